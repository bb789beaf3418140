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

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume one job from its latest checkpoint",
	Long:  "Re-run a single configured job; ingestion continues from the job's latest checkpoint",
	Args:  cobra.ExactArgs(1),
	Example: `  tideline resume reddit-2024-06
  tideline resume reddit-2024-06 --config jobs.yaml`,
	RunE: resumeJob,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func resumeJob(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	r := runner.New(runner.Options{Verbose: verbose}, cfg, factories, slog.Default())

	fmt.Println(color.GreenString("🚀 Resuming job %s", jobID))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	res, err := r.RunJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("resume failed: %w", err)
	}

	printResults([]*queue.Result{res})

	if !res.Success {
		return fmt.Errorf("job %s finished %s", jobID, res.State)
	}
	return nil
}
