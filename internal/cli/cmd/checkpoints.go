package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tidemark-io/tideline/internal/cli/runner"
	"github.com/tidemark-io/tideline/pkg/checkpoint"
)

// checkpointsCmd represents the checkpoints command
var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Checkpoint management commands",
	Long:  `Commands for listing, inspecting, and deleting stored job checkpoints.`,
}

var (
	listJob     string
	forceDelete bool
)

// checkpointsListCmd lists jobs with stored checkpoints
var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs that have stored checkpoints",
	Long:  `List every job in the checkpoint backend with its latest checkpoint state.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, cleanup, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		jobs, err := store.Jobs(ctx)
		if err != nil {
			return fmt.Errorf("listing jobs: %w", err)
		}
		if listJob != "" {
			jobs = filterJobs(jobs, listJob)
		}
		if len(jobs) == 0 {
			fmt.Println("No checkpoints stored.")
			return nil
		}

		fmt.Printf("%-28s %-10s %5s %12s %8s  %s\n", "JOB", "STATUS", "SEQ", "LINES", "DONE", "AGE")
		for _, jobID := range jobs {
			latest, err := store.Latest(ctx, jobID)
			if err != nil {
				fmt.Printf("%-28s %s\n", jobID, color.RedString("error: %v", err))
				continue
			}
			fmt.Printf("%-28s %-10s %5d %12d %7.1f%%  %s\n",
				jobID,
				statusLabel(latest.Status),
				latest.Sequence,
				latest.ProcessedLines,
				latest.CompletionPct,
				humanAge(latest.Timestamp))
		}
		return nil
	},
}

// checkpointsShowCmd shows every checkpoint of one job
var checkpointsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show all checkpoints for a job",
	Long:  `Display every retained checkpoint for a job, oldest first, with terminal metrics when the job completed.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		ctx := cmd.Context()
		store, cleanup, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		cps, err := store.All(ctx, jobID)
		if err != nil {
			return fmt.Errorf("loading checkpoints: %w", err)
		}
		if len(cps) == 0 {
			fmt.Printf("No checkpoints for job %s.\n", jobID)
			return nil
		}

		color.Cyan("Job: %s (%d checkpoints)\n", jobID, len(cps))
		fmt.Println(strings.Repeat("─", 60))
		for _, cp := range cps {
			fmt.Printf("seq=%-4d %-10s lines=%-10d position=%-12d %5.1f%%  %s\n",
				cp.Sequence,
				statusLabel(cp.Status),
				cp.ProcessedLines,
				cp.LastPosition,
				cp.CompletionPct,
				cp.Timestamp.Format(time.RFC3339))
			if cp.Reason != "" {
				fmt.Printf("         reason: %s\n", cp.Reason)
			}
			if cp.MemoryUsageBytes > 0 {
				fmt.Printf("         memory: %d MB\n", cp.MemoryUsageBytes>>20)
			}
			if cp.ConfigHash != "" {
				fmt.Printf("         config: %s\n", cp.ConfigHash)
			}
			if cp.Metrics != nil {
				m := cp.Metrics
				fmt.Printf("         final:  lines=%d valid=%d errors=%d duplicates=%d rate=%.0f/s peak=%dMB in %s\n",
					m.TotalLines, m.ValidLines, m.ErrorLines, m.DuplicateRecords,
					m.ThroughputPerSec, m.MemoryPeakBytes>>20,
					time.Duration(m.DurationMs)*time.Millisecond)
			}
		}
		return nil
	},
}

// checkpointsDeleteCmd deletes every checkpoint of one job
var checkpointsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete all checkpoints for a job",
	Long:  `Remove every stored checkpoint for a job. The next run of the job starts from the beginning.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		ctx := cmd.Context()

		if !forceDelete && !confirm(fmt.Sprintf("Delete all checkpoints for job %s?", jobID)) {
			fmt.Println("Aborted.")
			return nil
		}

		store, cleanup, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := store.Delete(ctx, jobID); err != nil {
			return fmt.Errorf("deleting checkpoints: %w", err)
		}
		color.Green("✅ Checkpoints for %s deleted", jobID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)

	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsShowCmd)
	checkpointsCmd.AddCommand(checkpointsDeleteCmd)

	checkpointsListCmd.Flags().StringVar(&listJob, "job", "", "Only list the given job")
	checkpointsDeleteCmd.Flags().BoolVarP(&forceDelete, "force", "f", false, "Skip the confirmation prompt")
}

// openStore opens the configured checkpoint backend and wraps it in a
// store. Callers must invoke the returned cleanup.
func openStore(ctx context.Context) (*checkpoint.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	backend, err := runner.OpenBackend(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s backend: %w", cfg.Checkpoints.Backend, err)
	}
	cleanup := func() {
		if err := backend.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing backend: %v\n", err)
		}
	}
	return checkpoint.NewStore(backend, cfg.StoreConfig(), slog.Default()), cleanup, nil
}

func filterJobs(jobs []string, want string) []string {
	for _, j := range jobs {
		if j == want {
			return []string{j}
		}
	}
	return nil
}

func statusLabel(status checkpoint.Status) string {
	switch status {
	case checkpoint.StatusCompleted:
		return color.GreenString(string(status))
	case checkpoint.StatusFailed:
		return color.RedString(string(status))
	case checkpoint.StatusEmergency, checkpoint.StatusCancelled:
		return color.YellowString(string(status))
	default:
		return string(status)
	}
}

func humanAge(t time.Time) string {
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y")
}
