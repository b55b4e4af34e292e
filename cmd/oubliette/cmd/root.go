package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oubliette-sandbox/oubliette/pkg/config"
	"github.com/oubliette-sandbox/oubliette/pkg/registry"
	"github.com/oubliette-sandbox/oubliette/pkg/sandbox"
	"github.com/oubliette-sandbox/oubliette/pkg/telemetry"
	"github.com/oubliette-sandbox/oubliette/pkg/volume"
)

var (
	volumeDir string
	redisAddr string
	bridge    string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "oubliette",
	Short: "Oubliette CLI",
	Long:  `Run untrusted workloads in resource-limited, network-policed sandboxes.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := config.Load()
	rootCmd.PersistentFlags().StringVar(&volumeDir, "volume-dir", defaults.VolumeDir, "Base directory for sandbox volumes")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", defaults.RedisAddr, "Redis address for the shared run registry")
	rootCmd.PersistentFlags().StringVar(&bridge, "bridge", defaults.Bridge, "Host bridge for sandbox networking")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log runtime events to stderr")

	_ = viper.BindPFlag("volume_dir", rootCmd.PersistentFlags().Lookup("volume-dir"))
	_ = viper.BindPFlag("redis", rootCmd.PersistentFlags().Lookup("redis"))
	_ = viper.BindPFlag("bridge", rootCmd.PersistentFlags().Lookup("bridge"))
}

func initConfig() {
	home, err := os.UserHomeDir()
	if err == nil {
		viper.AddConfigPath(home)
	}
	viper.SetConfigName(".oubliette")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("OUBLIETTE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if v := viper.GetString("volume_dir"); v != "" && !rootCmd.PersistentFlags().Changed("volume-dir") {
			volumeDir = v
		}
		if v := viper.GetString("redis"); v != "" && !rootCmd.PersistentFlags().Changed("redis") {
			redisAddr = v
		}
		if v := viper.GetString("bridge"); v != "" && !rootCmd.PersistentFlags().Changed("bridge") {
			bridge = v
		}
	}
}

func newLogger() telemetry.Logger {
	if verbose {
		return telemetry.NewSlogAdapterTo(os.Stderr)
	}
	return telemetry.NopLogger{}
}

func newRegistry() (registry.Registry, error) {
	if redisAddr != "" {
		return registry.NewRedisRegistry(redisAddr, 0, "")
	}
	return registry.NewMemoryRegistry(), nil
}

func newRuntime() (*sandbox.ProcessRuntime, error) {
	vols, err := volume.NewManager(volumeDir, newLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize volume manager: %w", err)
	}
	reg, err := newRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to registry: %w", err)
	}
	return sandbox.NewProcessRuntime(sandbox.Options{
		Volumes:  vols,
		Registry: reg,
		Logger:   newLogger(),
		Bridge:   bridge,
	})
}
