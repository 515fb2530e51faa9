package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/instantcocoa/loom/cli/internal/output"
	"github.com/instantcocoa/loom/services/assembly"
)

var revisionCmd = &cobra.Command{
	Use:   "revision",
	Short: "Print the current forest revision",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var result map[string]uint64
		resp, err := client.R().
			SetResult(&result).
			Get("/v1/revision")
		if err != nil {
			return fmt.Errorf("failed to fetch revision: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("revision request failed: %s", resp.Status())
		}

		cmd.Printf("%d\n", result["revision"])
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check assembly service health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var stats assembly.Stats
		resp, err := client.R().
			SetResult(&stats).
			Get("/v1/health")
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("health request failed: %s", resp.Status())
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(stats)
		}

		feed := "disconnected"
		if stats.Live {
			feed = "live"
		}
		output.Success("assembly service is up (feed %s)", feed)
		output.Info("revision: %d", stats.Revision)
		output.Info("sessions: %d, traces: %d, links: %d", stats.Sessions, stats.Traces, stats.Links)
		output.Info("dropped records: %d, backfills in flight: %d", stats.Dropped, stats.Backfills)
		return nil
	},
}
