package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List recorded sandbox runs",
	Run: func(cmd *cobra.Command, args []string) {
		reg, err := newRegistry()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to registry: %v\n", err)
			os.Exit(1)
		}

		runs, err := reg.ListRuns(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing runs: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATE\tEXIT\tSTARTED\tFAILURE")
		for _, run := range runs {
			exit := "-"
			if run.ExitCode != nil {
				exit = fmt.Sprintf("%d", *run.ExitCode)
			}
			started := "-"
			if !run.StartedAt.IsZero() {
				started = run.StartedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				run.ID, run.Name, run.State, exit, started, run.Failure)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(psCmd)
}
