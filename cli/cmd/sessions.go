package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/instantcocoa/loom/cli/internal/output"
	"github.com/instantcocoa/loom/services/assembly"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Show the session forest",
	Long:  "Fetches the published session forest from the assembly service.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var result assembly.SessionsResponse
		resp, err := client.R().
			SetResult(&result).
			Get("/v1/sessions")
		if err != nil {
			return fmt.Errorf("failed to fetch sessions: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("sessions request failed: %s", resp.Status())
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(result)
		}

		flat, _ := cmd.Flags().GetBool("flat")
		if !flat {
			roots := make([]*output.TreeNode, len(result.Sessions))
			for i, s := range result.Sessions {
				roots[i] = sessionNode(s)
			}
			output.Info("revision %d, %d root session(s)", result.Revision, len(result.Sessions))
			w := output.NewWriter("table")
			return w.PrintTree(roots)
		}

		table := output.Table{
			Headers: []string{"SESSION", "TRACES", "CHILDREN", "ERRORS", "START", "LAST ACTIVITY"},
		}
		var addRows func(s *assembly.Session, depth int)
		addRows = func(s *assembly.Session, depth int) {
			table.Rows = append(table.Rows, []string{
				shortID(s.ID),
				fmt.Sprintf("%d", len(s.Traces)),
				fmt.Sprintf("%d", len(s.Children)),
				fmt.Sprintf("%d", errorCount(s)),
				s.StartTime.Format("15:04:05"),
				s.LastActivity.Format("15:04:05"),
			})
			for _, c := range s.Children {
				addRows(c, depth+1)
			}
		}
		for _, s := range result.Sessions {
			addRows(s, 0)
		}

		w := output.NewWriter("table")
		return w.Print(table)
	},
}

func sessionNode(s *assembly.Session) *output.TreeNode {
	label := fmt.Sprintf("%s  (%d traces", shortID(s.ID), len(s.Traces))
	if n := errorCount(s); n > 0 {
		label += fmt.Sprintf(", %d errors", n)
	}
	label += fmt.Sprintf(", last %s)", s.LastActivity.Format("15:04:05"))

	node := &output.TreeNode{Label: label}
	for _, c := range s.Children {
		node.Children = append(node.Children, sessionNode(c))
	}
	return node
}

func errorCount(s *assembly.Session) int {
	n := 0
	for _, t := range s.Traces {
		n += t.ErrorCount
	}
	return n
}

func shortID(id string) string {
	if len(id) > 24 {
		return id[:24]
	}
	return id
}

func init() {
	sessionsCmd.Flags().Bool("flat", false, "Print a flat table instead of a tree")
}
