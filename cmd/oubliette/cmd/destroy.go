package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
)

var destroyCmd = &cobra.Command{
	Use:   "destroy [id...]",
	Short: "Delete recorded runs from the registry",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reg, err := newRegistry()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to registry: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()
		failed := false
		for _, id := range args {
			if err := reg.DeleteRun(ctx, domain.SandboxID(id)); err != nil {
				fmt.Fprintf(os.Stderr, "Error deleting %s: %v\n", id, err)
				failed = true
				continue
			}
			fmt.Println(id)
		}
		if failed {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(destroyCmd)
}
