package queue

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Dispatcher fans work units across a bounded worker pool. Concurrency is
// across jobs only; within a job the runner stays strictly sequential.
type Dispatcher struct {
	runner  Runner
	workers int
	log     *slog.Logger
}

// NewDispatcher creates a dispatcher. Workers below 1 are clamped to 1.
func NewDispatcher(runner Runner, workers int, logger *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runner:  runner,
		workers: workers,
		log:     logger.With("component", "dispatcher"),
	}
}

// Dispatch runs every unit and returns results aligned with the input order.
// Runners report failures inside their Result, so a failing job never stops
// its siblings; context cancellation reaches each runner through ctx.
func (d *Dispatcher) Dispatch(ctx context.Context, units []WorkUnit) []*Result {
	results := make([]*Result, len(units))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, unit := range units {
		g.Go(func() error {
			d.log.Info("job started", "job_id", unit.JobID, "file", unit.FilePath, "api_batches", len(unit.APIBatches))
			res := d.runner.Run(ctx, unit)
			if res == nil {
				res = &Result{JobID: unit.JobID, State: StateFailed}
				res.Errors = append(res.Errors, "runner returned no result")
			}
			results[i] = res
			d.log.Info("job finished",
				"job_id", unit.JobID,
				"state", res.State,
				"success", res.Success,
				"processed", res.Metrics.TotalLines,
				"errors", len(res.Errors))
			return nil
		})
	}
	_ = g.Wait()
	return results
}
