package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// policyListCmd returns the command for listing active policies.
func policyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active routing policies",
		Long: `List every application policy the engine currently enforces.

Examples:
  axonctl policy list
  ENGINE_URL=https://engine.internal:8082 axonctl policy list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := getEngineClient()

			listing, err := client.ListPolicies()
			if err != nil {
				return fmt.Errorf("failed to list policies: %w", err)
			}

			if listing.Count == 0 {
				fmt.Println("No policies are loaded. Apply one with 'axonctl policy apply -f <file>'.")
				return nil
			}

			fmt.Printf("Active policies (%d):\n", listing.Count)
			fmt.Println(strings.Repeat("-", 60))
			for i, pol := range listing.Policies {
				fmt.Printf("%3d. %-24s version %-10s %d rules\n", i+1, pol.AppID, pol.Version, len(pol.Rules))
			}
			fmt.Println(strings.Repeat("-", 60))

			return nil
		},
	}

	return cmd
}

// policyApplyCmd returns the command for applying a policy document.
func policyApplyCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a routing policy from a JSON file",
		Long: `Apply a routing policy to the engine. The document is validated
server-side; a policy that references uncataloged models is rejected.

The new version takes effect for the next request. In-flight requests
finish under the version they started with.

Examples:
  axonctl policy apply -f policies/support-bot.json
  axonctl policy apply --file /etc/axonflow/policies/billing.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			doc, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading policy file: %w", err)
			}

			client := getEngineClient()

			fmt.Printf("Applying policy from %s...\n", file)

			result, err := client.ApplyPolicy(doc)
			if err != nil {
				return fmt.Errorf("failed to apply policy: %w", err)
			}

			fmt.Printf("✅ Policy applied for app %s (version %s)\n", result.AppID, result.Version)
			fmt.Println("   New requests route under this version immediately.")

			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to the policy JSON document (required)")

	return cmd
}
