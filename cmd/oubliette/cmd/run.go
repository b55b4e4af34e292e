package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
	"github.com/oubliette-sandbox/oubliette/pkg/limits"
	"github.com/oubliette-sandbox/oubliette/pkg/netpolicy"
	"github.com/oubliette-sandbox/oubliette/pkg/sandbox"
	"github.com/oubliette-sandbox/oubliette/pkg/volume"
)

var (
	runName    string
	runCPU     float64
	runMem     int64
	runDisk    int64
	runTimeout time.Duration
	runPolicy  string
	runPreset  string
	runMounts  []string
	runEnv     []string
)

var runCmd = &cobra.Command{
	Use:   "run -- [command...]",
	Short: "Run one command in a fresh sandbox",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rt, err := newRuntime()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing runtime: %v\n", err)
			os.Exit(1)
		}

		policy, err := resolvePolicy()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading policy: %v\n", err)
			os.Exit(1)
		}

		mounts, err := parseMounts(runMounts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing mounts: %v\n", err)
			os.Exit(1)
		}

		l := limits.Default()
		l.CPUCores = runCPU
		l.MemoryMB = runMem
		l.DiskMB = runDisk

		ctx := context.Background()
		id, err := rt.Create(ctx, sandbox.Config{
			Name:    runName,
			Limits:  l,
			Policy:  policy,
			Mounts:  mounts,
			Timeout: runTimeout,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating sandbox: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = rt.Destroy(ctx, id) }()

		res, err := rt.Execute(ctx, id, domain.Workload{
			Command: args,
			Env:     parseEnv(runEnv),
		})
		if res != nil {
			fmt.Fprint(os.Stdout, res.Stdout)
			fmt.Fprint(os.Stderr, res.Stderr)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Execution failed (%s): %v\n", domain.FailureClass(err), err)
			_ = rt.Destroy(ctx, id)
			os.Exit(1)
		}
		_ = rt.Destroy(ctx, id)
		os.Exit(res.ExitCode)
	},
}

func resolvePolicy() (*netpolicy.Policy, error) {
	if runPolicy != "" {
		return netpolicy.LoadFile(runPolicy)
	}
	switch runPreset {
	case "deny-all", "":
		return netpolicy.DenyAll(), nil
	case "allow-all":
		return netpolicy.AllowAll(), nil
	case "egress-only":
		return netpolicy.EgressOnly(), nil
	case "http-only":
		return netpolicy.HTTPOnly(), nil
	}
	return nil, fmt.Errorf("unknown policy preset %q", runPreset)
}

// parseMounts turns src:dst[:ro] strings into bind mounts.
func parseMounts(specs []string) ([]volume.Mount, error) {
	var mounts []volume.Mount
	for _, s := range specs {
		parts := strings.Split(s, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid mount %q, expected src:dst[:ro]", s)
		}
		m := volume.Mount{Kind: volume.Bind, Source: parts[0], Target: parts[1]}
		if len(parts) == 3 {
			if parts[2] != "ro" && parts[2] != "rw" {
				return nil, fmt.Errorf("invalid mount mode %q", parts[2])
			}
			m.ReadOnly = parts[2] == "ro"
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

func parseEnv(pairs []string) map[string]string {
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		if k, v, ok := strings.Cut(p, "="); ok {
			env[k] = v
		}
	}
	return env
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runName, "name", "", "Sandbox name")
	runCmd.Flags().Float64Var(&runCPU, "cpu", 1, "CPU cores")
	runCmd.Flags().Int64Var(&runMem, "mem", 512, "Memory limit in MB")
	runCmd.Flags().Int64Var(&runDisk, "disk", 1024, "Disk limit in MB")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", sandbox.DefaultTimeout, "Execution timeout")
	runCmd.Flags().StringVar(&runPolicy, "policy", "", "Network policy file (YAML)")
	runCmd.Flags().StringVar(&runPreset, "preset", "deny-all", "Network policy preset (deny-all, allow-all, egress-only, http-only)")
	runCmd.Flags().StringArrayVar(&runMounts, "mount", nil, "Bind mount src:dst[:ro] (repeatable)")
	runCmd.Flags().StringArrayVarP(&runEnv, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
}
