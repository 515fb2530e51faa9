package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/instantcocoa/loom/cli/internal/output"
	"github.com/instantcocoa/loom/services/assembly"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a synthetic conversation tree",
	Long: `Appends a synthetic coordinator conversation with child conversations
to the span log, for demos and smoke testing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		children, _ := cmd.Flags().GetInt("children")
		spansPer, _ := cmd.Flags().GetInt("spans")

		client := newClient()
		post := func(rec assembly.Record) error {
			resp, err := client.R().SetBody(rec).Post("/v1/spans")
			if err != nil {
				return fmt.Errorf("failed to append span: %w", err)
			}
			if resp.IsError() {
				return fmt.Errorf("span append failed: %s", resp.Status())
			}
			return nil
		}

		rootConv := "conv-" + uuid.NewString()[:8]
		now := time.Now().UTC()
		total := 0

		// Coordinator spans
		for i := 0; i < spansPer; i++ {
			rec := span(assembly.ActionModelRequest, rootConv, "", now.Add(time.Duration(i)*time.Second))
			if err := post(rec); err != nil {
				return err
			}
			total++
		}

		for c := 0; c < children; c++ {
			childConv := "conv-" + uuid.NewString()[:8]

			// Spawn span carries the parent link
			spawn := span(assembly.ActionSubagentSpawn, childConv, rootConv,
				now.Add(time.Duration(c+1)*time.Second))
			if err := post(spawn); err != nil {
				return err
			}
			total++

			for i := 0; i < spansPer; i++ {
				rec := span(assembly.ActionToolCall, childConv, "",
					now.Add(time.Duration(c+i+2)*time.Second))
				if err := post(rec); err != nil {
					return err
				}
				total++
			}
		}

		output.Success("seeded %d spans: %s with %d child conversation(s)", total, rootConv, children)
		return nil
	},
}

func span(action, conv, parentConv string, at time.Time) assembly.Record {
	ctx := map[string]any{
		"request_id":      "req-" + uuid.NewString()[:8],
		"conversation_id": conv,
	}
	if parentConv != "" {
		ctx["parent_conversation_id"] = parentConv
	}
	return assembly.Record{
		"id":         uuid.NewString(),
		"action":     action,
		"agent":      "seed",
		"source":     "cli",
		"created_at": at.Format(time.RFC3339Nano),
		"context":    ctx,
	}
}

func init() {
	seedCmd.Flags().Int("children", 2, "Number of child conversations")
	seedCmd.Flags().Int("spans", 3, "Spans per conversation")
}
