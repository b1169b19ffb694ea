package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/batchpilot/batchpilot/internal/batch"
	"github.com/batchpilot/batchpilot/internal/engine"
)

func newRunCmd() *cobra.Command {
	var (
		urlFile     string
		outDir      string
		sessionID   string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a batch of URLs from a file",
		Long: `Reads a URL list (one URL per line, '#' starts a comment), processes
it through the engine, prints the error report, and writes the full result
as JSON into the output directory. Interrupting with SIGINT checkpoints the
session so it can be resumed later.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			urls, err := readURLFile(urlFile)
			if err != nil {
				return err
			}
			if len(urls) == 0 {
				return fmt.Errorf("no URLs found in %s", urlFile)
			}

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
				SessionID:   sessionID,
			}
			result, err := rt.engine.ProcessBatch(ctx, urls, opts)
			if err != nil {
				return fmt.Errorf("process batch: %w", err)
			}
			return reportResult(rt.logger, result, outDir)
		},
	}

	cmd.Flags().StringVar(&urlFile, "urls", "", "path to the URL list file")
	cmd.Flags().StringVar(&outDir, "out", "./results", "directory for the result JSON")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id for checkpointing (default: job id)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "worker count override (default: config)")
	_ = cmd.MarkFlagRequired("urls")

	return cmd
}

// readURLFile parses one URL per line. Blank lines and '#' comments are
// skipped; inline comments after a URL are stripped.
func readURLFile(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("open url file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var urls []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}

func reportResult(logger *zap.Logger, result *engine.BatchResult, outDir string) error {
	printSummary(result)

	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(outDir, fmt.Sprintf("batch_%s.json", result.JobID))
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	logger.Info("result written",
		zap.String("job_id", result.JobID),
		zap.String("path", path))
	return nil
}

func printSummary(result *engine.BatchResult) {
	sum := result.Summary
	fmt.Printf("Job %s finished: %s\n", result.JobID, result.State)
	fmt.Printf("  total=%d valid=%d invalid=%d duplicates=%d\n",
		sum.Total, sum.Valid, sum.Invalid, sum.Duplicates)
	fmt.Printf("  successful=%d failed=%d skipped=%d retries=%d\n",
		sum.Successful, sum.Failed, sum.Skipped, sum.Retries)
	fmt.Printf("  success_rate=%.1f%% throughput=%.2f/s\n",
		sum.SuccessRate, sum.Throughput)

	rep := result.Report
	if rep.TotalErrors == 0 {
		return
	}
	fmt.Printf("Errors: %d\n", rep.TotalErrors)
	for _, p := range rep.Patterns {
		fmt.Printf("  [%s] %s: %d\n", p.Category, p.Code, p.Count)
	}
	for _, rec := range rep.Recommendations {
		fmt.Printf("  %s: %s\n", strings.ToUpper(string(rec.Severity)), rec.Message)
		for _, d := range rec.Deltas {
			fmt.Printf("    suggest %s %s", d.Direction, d.Setting)
			if d.Hint != "" {
				fmt.Printf(" (%s)", d.Hint)
			}
			fmt.Println()
		}
	}
	if rep.Truncated {
		fmt.Println("  (per-error detail truncated; pattern counts are complete)")
	}
}
