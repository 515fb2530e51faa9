// Package cmd contains CLI commands.
package cmd

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/instantcocoa/loom/cli/internal/config"
)

var (
	cfg     *config.Config
	format  string
	verbose bool
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom CLI - agent session assembly",
	Long: `Loom assembles agent execution spans into a hierarchical session
forest and serves it to the operator panel.

This CLI inspects and controls a running assembly service.

Examples:
  # Show the session forest
  loom sessions

  # Rebuild the view from the span log
  loom resync --window 6h

  # Follow live revision updates
  loom watch

  # Seed a synthetic conversation tree
  loom seed --children 3
`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.DefaultConfig()
		if format != "" {
			cfg.Format = format
		}
		cfg.Verbose = verbose
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&format, "output", "o", "", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	// Add subcommands
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(revisionCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(versionCmd)
}

// httpTransport overrides the client transport; tests install a mock here.
var httpTransport http.RoundTripper

// newClient returns an HTTP client for the assembly service.
func newClient() *resty.Client {
	c := resty.New().
		SetBaseURL(cfg.AssemblyURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
	if httpTransport != nil {
		c.SetTransport(httpTransport)
	}
	if cfg.Verbose {
		c.SetDebug(true)
	}
	return c
}

// versionCmd prints version info.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("loom version 0.1.0")
	},
}
