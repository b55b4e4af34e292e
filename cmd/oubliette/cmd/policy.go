package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oubliette-sandbox/oubliette/pkg/netpolicy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect network policy documents",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a policy document",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		policy, err := netpolicy.LoadFile(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid policy: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s: ok (%d rules, default %s)\n", policy.Name, len(policy.Rules), policy.Default)
	},
}

var policyShowCmd = &cobra.Command{
	Use:   "show [file]",
	Short: "Show a policy's rules in evaluation order",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		policy, err := netpolicy.LoadFile(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid policy: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("policy: %s\ndefault: %s\n", policy.Name, policy.Default)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "#\tACTION\tDIRECTION\tPORT\tPROTO\tCIDR\tDESCRIPTION")
		for i, r := range policy.Rules {
			port := "*"
			if r.Port > 0 {
				port = fmt.Sprintf("%d", r.Port)
			}
			proto := r.Protocol
			if proto == "" {
				proto = "*"
			}
			cidr := r.CIDR
			if cidr == "" {
				cidr = "*"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				i, r.Action, r.Direction, port, proto, cidr, r.Description)
		}
		w.Flush()
	},
}

func init() {
	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyShowCmd)
	rootCmd.AddCommand(policyCmd)
}
