package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// providersCmd returns the command for inspecting adapters and circuits.
func providersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Show registered providers, models, and circuit states",
		Long: `Show the provider adapters the engine started with, the model
catalog, and the health circuit for every model that has served traffic.

Examples:
  axonctl providers`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := getEngineClient()

			report, err := client.Providers()
			if err != nil {
				return fmt.Errorf("failed to fetch providers: %w", err)
			}

			fmt.Printf("Adapters (%d): %s\n\n", len(report.Adapters), strings.Join(report.Adapters, ", "))

			fmt.Printf("Model catalog (%d):\n", len(report.Models))
			fmt.Println(strings.Repeat("-", 72))
			for _, m := range report.Models {
				status := "enabled"
				if !m.Enabled {
					status = "disabled"
				}
				fmt.Printf("  %-40s %-10s %-9s $%.4f/$%.4f per 1K\n",
					m.Provider+"/"+m.Model, m.Compliance, status, m.InputPer1K, m.OutputPer1K)
			}
			fmt.Println(strings.Repeat("-", 72))

			if len(report.Circuits) == 0 {
				fmt.Println("\nNo circuits yet (no model has served traffic).")
				return nil
			}

			fmt.Printf("\nCircuits (%d):\n", len(report.Circuits))
			for _, c := range report.Circuits {
				marker := "✅"
				if c.State != "closed" {
					marker = "⚠️"
				}
				fmt.Printf("  %s %-40s %-9s score %.2f, %d recent failures, p95 %dms\n",
					marker, c.Ref, c.State, c.Score, c.RecentFailures, c.P95LatencyMS)
			}

			return nil
		},
	}

	return cmd
}

// statsCmd returns the command for showing engine counters.
func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show engine request counters and latency percentiles",
		Long: `Show the engine's lifetime request counters, the latency
percentiles over the recent sample window, and the trace recorder state.

Examples:
  axonctl stats`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := getEngineClient()

			report, err := client.Stats()
			if err != nil {
				return fmt.Errorf("failed to fetch stats: %w", err)
			}

			e := report.Engine
			fmt.Printf("Engine uptime: %s\n\n", (time.Duration(e.UptimeSeconds) * time.Second).String())
			fmt.Printf("Requests:  %d\n", e.Requests)
			fmt.Printf("Completed: %d\n", e.Completed)
			fmt.Printf("Denied:    %d\n", e.Denied)
			fmt.Printf("Failed:    %d\n", e.Failed)
			fmt.Printf("Cancelled: %d\n", e.Cancelled)

			if e.Latency.SampleCount > 0 {
				fmt.Printf("\nLatency over last %d requests:\n", e.Latency.SampleCount)
				fmt.Printf("  p50 %.1fms  p95 %.1fms  p99 %.1fms  avg %.1fms\n",
					e.Latency.P50MS, e.Latency.P95MS, e.Latency.P99MS, e.Latency.AvgMS)
			}

			if report.Lineage != nil {
				l := report.Lineage
				fmt.Printf("\nTraces: %d persisted, %d buffered, %d dropped, queue depth %d\n",
					l.Persisted, l.Buffered, l.Dropped, l.QueueDepth)
			}

			return nil
		},
	}

	return cmd
}

// budgetCmd returns the command for showing tenant/app spend.
func budgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget <tenant> <app>",
		Short: "Show current-period spend for a tenant and app",
		Long: `Show the provider spend accumulated this calendar month for one
tenant and application, as the budget gate sees it.

Examples:
  axonctl budget acme support-bot`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := getEngineClient()

			report, err := client.Budget(args[0], args[1])
			if err != nil {
				return fmt.Errorf("failed to fetch budget: %w", err)
			}

			fmt.Printf("Spend for %s/%s in period %s:\n", report.TenantID, report.AppID, report.Period)
			fmt.Printf("  $%.4f\n", report.SpentUSD)

			return nil
		},
	}

	return cmd
}
