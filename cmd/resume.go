package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/batchpilot/batchpilot/internal/batch"
)

func newResumeCmd() *cobra.Command {
	var (
		outDir      string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume an interrupted batch session",
		Long: `Loads the checkpoint for the given session and processes only the
URLs that have no recorded outcome. Results from the earlier run are folded
into the final output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]

			rt, err := buildRuntime(cfgFile)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := batch.Options{
				Concurrency: concurrency,
				MaxRetries:  -1,
			}
			result, err := rt.engine.ResumeSession(ctx, sessionID, opts)
			if err != nil {
				return fmt.Errorf("resume session %s: %w", sessionID, err)
			}
			return reportResult(rt.logger, result, outDir)
		},
	}

	cmd.Flags().StringVar(&outDir, "out", "./results", "directory for the result JSON")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "worker count override (default: config)")

	return cmd
}
