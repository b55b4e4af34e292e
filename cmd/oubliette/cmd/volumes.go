package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var volumesCmd = &cobra.Command{
	Use:   "volumes",
	Short: "Inspect leftover sandbox volumes",
}

var volumesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List volumes under the base directory",
	Run: func(cmd *cobra.Command, args []string) {
		entries, err := os.ReadDir(volumeDir)
		if err != nil {
			if os.IsNotExist(err) {
				return
			}
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", volumeDir, err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tSIZE\tMODIFIED")
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			var size int64
			_ = filepath.WalkDir(filepath.Join(volumeDir, e.Name()), func(path string, d os.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return nil
				}
				if info, err := d.Info(); err == nil {
					size += info.Size()
				}
				return nil
			})
			modified := "-"
			if info, err := e.Info(); err == nil {
				modified = info.ModTime().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%dKB\t%s\n", e.Name(), size/1024, modified)
		}
		w.Flush()
	},
}

var volumesRmCmd = &cobra.Command{
	Use:   "rm [id...]",
	Short: "Remove volumes by id",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		failed := false
		for _, id := range args {
			// Refuse anything that would escape the base directory.
			path := filepath.Join(volumeDir, filepath.Base(id))
			if _, err := os.Stat(path); err != nil {
				fmt.Fprintf(os.Stderr, "Error removing %s: %v\n", id, err)
				failed = true
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				fmt.Fprintf(os.Stderr, "Error removing %s: %v\n", id, err)
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
	volumesCmd.AddCommand(volumesLsCmd)
	volumesCmd.AddCommand(volumesRmCmd)
	rootCmd.AddCommand(volumesCmd)
}
