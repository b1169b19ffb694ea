// Package cmd defines and implements the CLI commands for the batchpilot
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batchpilot",
		Short: "Resilient batch URL processing",
		Long: `batchpilot processes large batches of URLs through a bounded worker
pool with per-host rate limiting, circuit breaking, category-aware retries,
and checkpointed sessions that survive interruption.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
