// Package main implements the axonctl CLI tool for AxonFlow engine administration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "axonctl",
		Short:   "AxonFlow CLI tool",
		Long:    `axonctl is a command-line tool for operating the AxonFlow decision engine.`,
		Version: version,
	}

	// Add subcommands
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// policyCmd returns the policy subcommand for managing routing policies.
func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage routing policies",
		Long:  `Inspect and update the routing policies active on a running engine.`,
	}

	cmd.AddCommand(policyListCmd())
	cmd.AddCommand(policyApplyCmd())

	return cmd
}
