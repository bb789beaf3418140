// Package runner assembles the ingestion core from a loaded configuration
// and drives the configured jobs through the coordinator.
package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/pkg/errors"

	"github.com/tidemark-io/tideline/internal/config"
	"github.com/tidemark-io/tideline/pkg/checkpoint"
	"github.com/tidemark-io/tideline/pkg/checkpoint/kv"
	"github.com/tidemark-io/tideline/pkg/consumer"
	"github.com/tidemark-io/tideline/pkg/coordinator"
	"github.com/tidemark-io/tideline/pkg/decompress"
	"github.com/tidemark-io/tideline/pkg/merge"
	"github.com/tidemark-io/tideline/pkg/monitor"
	"github.com/tidemark-io/tideline/pkg/queue"
	"github.com/tidemark-io/tideline/pkg/record"
)

// Options control one runner invocation.
type Options struct {
	// Workers overrides the configured worker count when positive.
	Workers int
	Verbose bool
}

// Factories create the pluggable pieces. The zero value uses the stock sink
// factory with no extraction boundary.
type Factories struct {
	// NewSink builds one sink from its config block. Nil uses consumer.New.
	NewSink func(consumer.Config, consumer.Deps) (consumer.Sink, error)
	// Extract backs configured extraction sinks. Leaving it nil makes an
	// extraction sink a construction error, which is the right answer for
	// a binary with nothing downstream.
	Extract consumer.ExtractFunc
}

// Runner owns the assembled pipeline for one invocation.
type Runner struct {
	opts      Options
	cfg       *config.Config
	factories Factories
	log       *slog.Logger
}

// New creates a runner over an already loaded and validated configuration.
func New(opts Options, cfg *config.Config, factories Factories, logger *slog.Logger) *Runner {
	if factories.NewSink == nil {
		factories.NewSink = consumer.New
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		opts:      opts,
		cfg:       cfg,
		factories: factories,
		log:       logger.With("component", "runner"),
	}
}

// Validate checks what the config loader cannot: that every referenced
// archive and API batch file exists and that every configured sink could be
// built. Sinks are checked without construction so a dry run leaves no
// output files behind.
func (r *Runner) Validate() error {
	var errs []error
	for _, job := range r.cfg.Jobs {
		if job.Archive != "" {
			if _, err := os.Stat(job.Archive); err != nil {
				errs = append(errs, errors.Wrapf(err, "job %s: archive", job.ID))
			}
		}
		for i, ab := range job.APIBatches {
			if _, err := os.Stat(ab.Path); err != nil {
				errs = append(errs, errors.Wrapf(err, "job %s: apiBatches[%d]", job.ID, i))
			}
		}
	}
	for _, sc := range r.cfg.Sinks {
		if err := consumer.ValidateConfig(sc); err != nil {
			errs = append(errs, errors.Wrapf(err, "sink %s", sc.Type))
			continue
		}
		if sc.Type == "extraction" && r.factories.Extract == nil {
			errs = append(errs, errors.New("sink extraction: no extraction boundary is wired into this binary"))
		}
	}
	return stderrors.Join(errs...)
}

// Run executes every configured job and returns per-job results in
// configuration order.
func (r *Runner) Run(ctx context.Context) ([]*queue.Result, error) {
	return r.run(ctx, r.cfg.Jobs)
}

// RunJob executes a single configured job, resuming from its latest
// checkpoint if one exists.
func (r *Runner) RunJob(ctx context.Context, jobID string) (*queue.Result, error) {
	job, ok := r.cfg.JobByID(jobID)
	if !ok {
		return nil, errors.Errorf("job %q is not in the configuration", jobID)
	}
	results, err := r.run(ctx, []config.Job{job})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

func (r *Runner) run(ctx context.Context, jobs []config.Job) ([]*queue.Result, error) {
	if len(jobs) == 0 {
		return nil, errors.New("no jobs configured")
	}

	dec := decompress.New(r.log)
	units, err := r.loadUnits(ctx, dec, jobs)
	if err != nil {
		return nil, err
	}

	backend, err := OpenBackend(ctx, r.cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			r.log.Warn("backend close failed", "error", err)
		}
	}()

	store := checkpoint.NewStore(backend, r.cfg.StoreConfig(), r.log)
	purgeCtx, stopPurger := context.WithCancel(ctx)
	defer stopPurger()
	go store.StartRetentionPurger(purgeCtx)

	coord, err := coordinator.New(r.cfg.CoordinatorConfig(), coordinator.Deps{
		Store:        store,
		Monitor:      monitor.New(r.log),
		Decompressor: dec,
		Merger:       merge.New(r.cfg.MergerConfig(), r.log),
		Validator: record.NewFieldValidator(record.FieldValidatorConfig{
			MaxPayloadBytes: r.cfg.Processing.MaxLineBytes,
		}),
		Logger: r.log,
	})
	if err != nil {
		return nil, err
	}

	sinks, err := r.buildSinks()
	if err != nil {
		return nil, err
	}
	for _, sink := range sinks {
		coord.Subscribe(sink)
	}

	workers := r.cfg.Workers
	if r.opts.Workers > 0 {
		workers = r.opts.Workers
	}
	r.log.Info("dispatching jobs", "jobs", len(units), "workers", workers, "backend", r.cfg.Checkpoints.Backend)
	results := queue.NewDispatcher(coord, workers, r.log).Dispatch(ctx, units)

	// Flush buffering sinks after the last job. Job results are already
	// final, so close failures are logged rather than returned.
	for _, sink := range sinks {
		closeSink(r.log, sink)
	}
	return results, nil
}

// loadUnits converts job blocks into queue work units, reading API batch
// files up front. Batch files are NDJSON and may be compressed the same way
// archives are.
func (r *Runner) loadUnits(ctx context.Context, dec *decompress.Decompressor, jobs []config.Job) ([]queue.WorkUnit, error) {
	identity := r.cfg.IdentityOptions()
	units := make([]queue.WorkUnit, 0, len(jobs))
	for _, job := range jobs {
		unit := queue.WorkUnit{JobID: job.ID, FilePath: job.Archive, Options: job.Options}
		for _, ab := range job.APIBatches {
			batch, err := r.loadBatch(ctx, dec, ab, identity)
			if err != nil {
				return nil, errors.Wrapf(err, "job %s: api batch %s", job.ID, ab.Path)
			}
			unit.APIBatches = append(unit.APIBatches, batch)
		}
		units = append(units, unit)
	}
	return units, nil
}

func (r *Runner) loadBatch(ctx context.Context, dec *decompress.Decompressor, ab config.APIBatch, identity record.IdentityOptions) (record.Batch, error) {
	source, err := record.ParseSourceType(ab.Source)
	if err != nil {
		return record.Batch{}, err
	}
	batch := record.Batch{SourceType: source}
	res, err := dec.Stream(ctx, ab.Path, func(rec *record.SourceRecord, _ int64) error {
		batch.Records = append(batch.Records, *rec)
		return nil
	}, decompress.Options{
		SourceType:   source,
		Identity:     identity,
		MaxLineBytes: r.cfg.Processing.MaxLineBytes,
	})
	if err != nil {
		return record.Batch{}, err
	}
	if res.ErrorLines > 0 {
		r.log.Warn("api batch had unparseable lines",
			"path", ab.Path,
			"source", source,
			"errors", res.ErrorLines)
	}
	r.log.Debug("api batch loaded", "path", ab.Path, "source", source, "records", len(batch.Records))
	return batch, nil
}

func (r *Runner) buildSinks() ([]consumer.Sink, error) {
	sinks := make([]consumer.Sink, 0, len(r.cfg.Sinks))
	for _, sc := range r.cfg.Sinks {
		sink, err := r.factories.NewSink(sc, consumer.Deps{Logger: r.log, Extract: r.factories.Extract})
		if err != nil {
			return nil, errors.Wrapf(err, "sink %s", sc.Type)
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func closeSink(log *slog.Logger, sink consumer.Sink) {
	if closer, ok := sink.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Warn("sink close failed", "sink", fmt.Sprintf("%T", sink), "error", err)
		}
	}
}

// OpenBackend opens the checkpoint backend the configuration names. The
// caller owns Close.
func OpenBackend(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	cp := cfg.Checkpoints
	switch cp.Backend {
	case "", "memory":
		return kv.NewMemory(), nil
	case "fs":
		return kv.NewFS(cp.Dir)
	case "badger":
		dir := cp.Badger.Dir
		if dir == "" {
			dir = cp.Dir
		}
		return kv.NewBadger(kv.BadgerConfig{
			Dir:         dir,
			InMemory:    cp.Badger.InMemory,
			MaxMemoryMB: cp.Badger.MaxMemoryMB,
		})
	case "redis":
		return kv.NewRedis(ctx, kv.RedisConfig{
			Addr:      cp.Redis.Addr,
			Password:  cp.Redis.Password,
			DB:        cp.Redis.DB,
			Namespace: cp.Redis.Namespace,
		})
	default:
		return nil, errors.Errorf("unknown checkpoint backend %q", cp.Backend)
	}
}
