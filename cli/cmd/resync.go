package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/instantcocoa/loom/cli/internal/output"
	"github.com/instantcocoa/loom/services/assembly"
)

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Rebuild the view from the span log",
	Long:  "Triggers a bulk re-read of the span log, replacing the live view.",
	RunE: func(cmd *cobra.Command, args []string) error {
		window, _ := cmd.Flags().GetDuration("window")

		until := time.Now().UTC()
		req := assembly.ResyncRequest{
			Since: until.Add(-window),
			Until: until,
		}

		client := newClient()
		var result map[string]uint64
		resp, err := client.R().
			SetBody(req).
			SetResult(&result).
			Post("/v1/resync")
		if err != nil {
			return fmt.Errorf("failed to resync: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("resync request failed: %s", resp.Status())
		}

		output.Success("resynced, revision %d", result["revision"])
		return nil
	},
}

func init() {
	resyncCmd.Flags().Duration("window", 24*time.Hour, "How far back to read the span log")
}
