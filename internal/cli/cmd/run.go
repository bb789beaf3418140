package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tidemark-io/tideline/internal/cli/runner"
	"github.com/tidemark-io/tideline/pkg/queue"
)

var (
	// factories is set by main during initialization
	factories runner.Factories

	dryRun  bool
	workers int

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the configured ingestion jobs",
		Long:  "Ingest every job in the configuration file and report per-job results",
		Args:  cobra.NoArgs,
		Example: `  tideline run --config jobs.yaml
  tideline run --config jobs.yaml --workers 8
  tideline run --dry-run --config jobs.yaml`,
		RunE: runJobs,
	}
)

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate configuration and inputs without running jobs")
	runCmd.Flags().IntVar(&workers, "workers", 0, "Override the configured worker count")
	rootCmd.AddCommand(runCmd)
}

// SetFactories sets the factory functions for pluggable components
func SetFactories(f runner.Factories) {
	factories = f
}

func runJobs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	r := runner.New(runner.Options{Workers: workers, Verbose: verbose}, cfg, factories, slog.Default())

	// If dry-run, only validate the configuration and its inputs
	if dryRun {
		fmt.Println(color.YellowString("🔍 Validating %s", configPath()))

		if err := r.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Println(color.GreenString("✅ Configuration and inputs are valid (%d jobs)", len(cfg.Jobs)))
		return nil
	}

	fmt.Println(color.GreenString("🚀 Running %d jobs from %s", len(cfg.Jobs), configPath()))

	// Create context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	results, err := r.Run(ctx)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	printResults(results)

	if failed := countUnfinished(results); failed > 0 {
		return fmt.Errorf("%d of %d jobs did not complete", failed, len(results))
	}
	fmt.Println(color.GreenString("✅ All jobs completed"))
	return nil
}

// printResults writes one colored summary line per job: green for
// completed, yellow for paused (resumable), red for failed or cancelled.
func printResults(results []*queue.Result) {
	for _, res := range results {
		m := res.Metrics
		line := fmt.Sprintf("%-24s %-10s lines=%d valid=%d errors=%d duplicates=%d gaps=%d rate=%.0f/s",
			res.JobID, res.State, m.TotalLines, m.ValidRecords, m.ErrorLines, m.DuplicateRecords, res.Gaps, m.ThroughputPerSec)
		switch {
		case res.Success:
			color.Green("%s", line)
		case res.State == queue.StatePaused:
			color.Yellow("%s", line)
		default:
			color.Red("%s", line)
		}
		for _, msg := range res.Errors {
			fmt.Printf("    • %s\n", msg)
		}
	}
}

func countUnfinished(results []*queue.Result) int {
	n := 0
	for _, res := range results {
		if !res.Success {
			n++
		}
	}
	return n
}
