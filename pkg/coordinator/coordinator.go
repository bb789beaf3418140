// Package coordinator drives one work unit end to end: archive streaming
// through session deduplication, API batch reconciliation, temporal merging,
// and checkpointed delivery to the subscribed sinks. It implements
// queue.Runner, so the dispatcher can fan units across coordinators without
// knowing any of this.
package coordinator

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/tidemark-io/tideline/pkg/checkpoint"
	"github.com/tidemark-io/tideline/pkg/decompress"
	"github.com/tidemark-io/tideline/pkg/dedup"
	"github.com/tidemark-io/tideline/pkg/merge"
	"github.com/tidemark-io/tideline/pkg/monitor"
	"github.com/tidemark-io/tideline/pkg/pipeline"
	"github.com/tidemark-io/tideline/pkg/queue"
	"github.com/tidemark-io/tideline/pkg/record"
)

const (
	// DefaultBaseBatchSize is the starting batch size before headroom
	// scaling.
	DefaultBaseBatchSize = 500
	// DefaultMinBatchSize is the floor adaptive shrinking never crosses.
	DefaultMinBatchSize = 50
	// DefaultMaxBatchSize caps the headroom-scaled starting size.
	DefaultMaxBatchSize = 5000
	// DefaultMemoryThresholdBytes is the per-process memory budget.
	DefaultMemoryThresholdBytes = 512 << 20
	// DefaultProgressInterval is how many lines pass between progress
	// checkpoints.
	DefaultProgressInterval = 1000
	// DefaultEstimatedLinesPerMB converts compressed archive size into a
	// line-count estimate for completion percentages.
	DefaultEstimatedLinesPerMB = 2600
)

// Config tunes one coordinator. Per-unit overrides arrive through
// WorkUnit.Options under the same keys the config file uses.
type Config struct {
	BaseBatchSize int
	MinBatchSize  int
	MaxBatchSize  int

	// MemoryThresholdBytes is the budget handed to the resource monitor;
	// batch shrinking starts at its warning level and pausing at its
	// exhaustion level.
	MemoryThresholdBytes  uint64
	ResourceCheckInterval time.Duration

	// ProgressInterval is the checkpoint cadence in processed lines.
	ProgressInterval int64

	// EstimatedLinesPerMB sizes the completion estimate from the archive
	// file size.
	EstimatedLinesPerMB int64

	// ProcessingTimeout bounds one archive stream; zero means none.
	ProcessingTimeout time.Duration

	// MaxLineBytes caps one archive line; zero takes the decompressor
	// default.
	MaxLineBytes int

	// DisableCheckpoints runs jobs without any persistence. Intended for
	// dry runs.
	DisableCheckpoints bool

	// DisableMonitoring skips resource sampling entirely; jobs then never
	// shrink batches or pause on pressure.
	DisableMonitoring bool

	// DisableAdaptiveBatching keeps the batch size fixed at its starting
	// value; warnings are still logged and exhaustion still pauses.
	DisableAdaptiveBatching bool

	// Dedup configures the per-job duplicate detection session. Its
	// identity options also drive archive parsing, so both sides
	// normalize keys identically.
	Dedup dedup.Config
}

func (c Config) withDefaults() Config {
	if c.BaseBatchSize <= 0 {
		c.BaseBatchSize = DefaultBaseBatchSize
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = DefaultMinBatchSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MinBatchSize > c.MaxBatchSize {
		c.MinBatchSize = c.MaxBatchSize
	}
	if c.BaseBatchSize < c.MinBatchSize {
		c.BaseBatchSize = c.MinBatchSize
	}
	if c.BaseBatchSize > c.MaxBatchSize {
		c.BaseBatchSize = c.MaxBatchSize
	}
	if c.MemoryThresholdBytes == 0 {
		c.MemoryThresholdBytes = DefaultMemoryThresholdBytes
	}
	if c.ResourceCheckInterval <= 0 {
		c.ResourceCheckInterval = 5 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.EstimatedLinesPerMB <= 0 {
		c.EstimatedLinesPerMB = DefaultEstimatedLinesPerMB
	}
	return c
}

// Deps are the coordinator's collaborators. Store is required unless
// checkpoints are disabled; everything else defaults.
type Deps struct {
	Store        *checkpoint.Store
	Monitor      *monitor.Monitor
	Decompressor *decompress.Decompressor
	Merger       *merge.Merger
	// Validator rejects malformed archive records during parsing; nil
	// accepts everything.
	Validator record.Validator
	Logger    *slog.Logger
}

// Coordinator executes work units. Sinks subscribe through the embedded
// Fanout and receive one *merge.MergedBatch message per flushed batch.
// Safe for concurrent Run calls as long as job IDs are distinct.
type Coordinator struct {
	pipeline.Fanout

	cfg       Config
	store     *checkpoint.Store
	monitor   *monitor.Monitor
	dec       *decompress.Decompressor
	merger    *merge.Merger
	validator record.Validator

	base *slog.Logger
	log  *slog.Logger
}

// New creates a Coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if deps.Store == nil && !cfg.DisableCheckpoints {
		return nil, errors.New("coordinator: checkpoint store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Monitor == nil {
		deps.Monitor = monitor.New(deps.Logger)
	}
	if deps.Decompressor == nil {
		deps.Decompressor = decompress.New(deps.Logger)
	}
	if deps.Merger == nil {
		deps.Merger = merge.New(merge.Config{}, deps.Logger)
	}
	return &Coordinator{
		cfg:       cfg,
		store:     deps.Store,
		monitor:   deps.Monitor,
		dec:       deps.Decompressor,
		merger:    deps.Merger,
		validator: deps.Validator,
		base:      deps.Logger,
		log:       deps.Logger.With("component", "coordinator"),
	}, nil
}

// Run executes one work unit and always returns a populated result: a
// failed job still reports its counters, errors and checkpoints. The
// archive is ingested before any API batches so archive records win
// first-seen attribution.
func (c *Coordinator) Run(ctx context.Context, unit queue.WorkUnit) *queue.Result {
	res := &queue.Result{
		JobID:     unit.JobID,
		State:     queue.StateFailed,
		StartedAt: time.Now().UTC(),
	}
	defer func() { res.FinishedAt = time.Now().UTC() }()

	if unit.JobID == "" {
		res.AddError(errors.New("work unit has no job ID"))
		return res
	}
	if unit.FilePath == "" && len(unit.APIBatches) == 0 {
		res.AddError(errors.Errorf("job %s: work unit names no archive and carries no batches", unit.JobID))
		return res
	}

	log := c.log.With("job_id", unit.JobID)
	cfg := c.effectiveConfig(unit, log)
	job := newJobContext(unit.JobID, cfg)
	res.StartedAt = job.startedAt

	resume, done := c.prepareCheckpoints(ctx, unit, cfg, res, log)
	if done {
		return res
	}

	if !cfg.DisableMonitoring {
		events, err := c.monitor.StartMonitoring(unit.JobID, monitor.Config{
			MemoryThresholdBytes: cfg.MemoryThresholdBytes,
			CheckInterval:        cfg.ResourceCheckInterval,
		})
		if err != nil {
			log.Warn("resource monitoring unavailable", "error", err)
		} else {
			job.events = events
			defer c.monitor.StopMonitoring(unit.JobID)
		}
	}

	// Detection state spans the whole unit: archive lines and API batches
	// share one session, so cross-source duplicates attribute to whichever
	// source was processed first.
	detector := dedup.New(cfg.Dedup, c.base)

	if err := job.transition(queue.StateRunning); err != nil {
		res.AddError(err)
		return res
	}
	log.Info("job started",
		"file", unit.FilePath,
		"api_batches", len(unit.APIBatches),
		"resuming", resume != nil)

	if unit.FilePath != "" {
		if c.runArchive(ctx, job, unit.FilePath, resume, detector, res, log) {
			c.attachCheckpoints(res)
			return res
		}
	}
	if len(unit.APIBatches) > 0 {
		if c.runReconcile(ctx, job, unit.APIBatches, detector, res, log) {
			c.attachCheckpoints(res)
			return res
		}
	}

	c.finishCompleted(job, res, log)
	c.attachCheckpoints(res)
	return res
}

// prepareCheckpoints resolves where this run starts: a fresh job gets an
// initial checkpoint, an interrupted one a resumption point, and a finished
// one short-circuits into an idempotent no-op result.
func (c *Coordinator) prepareCheckpoints(ctx context.Context, unit queue.WorkUnit, cfg Config, res *queue.Result, log *slog.Logger) (*checkpoint.ProcessingCheckpoint, bool) {
	if cfg.DisableCheckpoints {
		return nil, false
	}

	latest, err := c.store.Latest(ctx, unit.JobID)
	switch {
	case err == nil && latest.Completed:
		log.Info("job already completed, nothing to do",
			"checkpoint_id", latest.CheckpointID,
			"processed_lines", latest.ProcessedLines)
		res.Success = true
		res.State = queue.StateCompleted
		res.AddError(checkpoint.ErrJobAlreadyCompleted)
		if latest.Metrics != nil {
			res.Metrics.TotalLines = latest.Metrics.TotalLines
			res.Metrics.ValidRecords = latest.Metrics.ValidLines
			res.Metrics.ErrorLines = latest.Metrics.ErrorLines
			res.Metrics.DuplicateRecords = latest.Metrics.DuplicateRecords
		}
		c.attachCheckpoints(res)
		return nil, true
	case err == nil:
		if latest.ConfigHash != "" {
			log.Debug("resume checkpoint found",
				"checkpoint_id", latest.CheckpointID, "config_hash", latest.ConfigHash)
		}
		return latest, false
	case stderrors.Is(err, checkpoint.ErrCheckpointNotFound):
		meta := checkpoint.Meta{ConfigSnapshot: configSnapshot(unit, cfg)}
		if _, cerr := c.store.CreateInitial(ctx, unit.JobID, meta); cerr != nil {
			res.AddError(errors.Wrap(cerr, "create initial checkpoint"))
			return nil, true
		}
		return nil, false
	default:
		res.AddError(errors.Wrap(err, "load latest checkpoint"))
		return nil, true
	}
}

// runArchive streams the unit's archive through dedup and batched delivery.
// It returns true when it already finished the job on a terminal path.
func (c *Coordinator) runArchive(ctx context.Context, job *jobContext, path string, resume *checkpoint.ProcessingCheckpoint, det *dedup.Detector, res *queue.Result, log *slog.Logger) (done bool) {
	info, err := os.Stat(path)
	if err != nil {
		c.failJob(job, res, errors.Wrap(err, "stat archive"), log)
		return true
	}
	job.estimatedLines = estimateLines(job.cfg, info.Size())
	job.batchSize = initialBatchSize(job.cfg, job.estimatedLines)

	opts := decompress.Options{
		SourceType:   record.SourceArchive,
		Validator:    c.validator,
		Identity:     job.cfg.Dedup.Identity,
		Timeout:      job.cfg.ProcessingTimeout,
		MaxLineBytes: job.cfg.MaxLineBytes,
		// Every line reports its exact position, so checkpoints always
		// pair a line count with the offset just past that line.
		ProgressEvery: 1,
	}
	if resume != nil {
		opts.StartLine = resume.ProcessedLines
		opts.SkipBytes = resume.LastPosition
		job.mark(resume.ProcessedLines, resume.LastPosition)
		job.lastCpLines = resume.ProcessedLines
		job.resumedFrom = resume.ProcessedLines
		log.Info("resuming from checkpoint",
			"checkpoint_id", resume.CheckpointID,
			"status", string(resume.Status),
			"processed_lines", resume.ProcessedLines,
			"last_position", resume.LastPosition)
	}
	opts.Progress = func(lines, offset int64) {
		job.mark(lines, offset)
		if job.cfg.DisableCheckpoints {
			return
		}
		if lines != job.lastCpLines && lines%job.cfg.ProgressInterval == 0 {
			c.appendProgress(ctx, job, log)
		}
	}

	onRecord := func(rec *record.SourceRecord, lineNumber int64) error {
		// Pressure events are drained before the line is counted, so an
		// exhaustion pause leaves the in-flight line uncheckpointed and
		// it replays on resume.
		if err := c.drainEvents(job, log); err != nil {
			return err
		}
		dres, derr := det.Check(rec)
		if derr != nil {
			return derr
		}
		switch {
		case dres.Skipped:
			job.skipped++
		case dres.IsDuplicate:
			job.duplicates++
		default:
			job.unique++
			kept := *rec
			kept.TimestampSec = dres.TimestampSec
			job.pending = append(job.pending, kept)
			if len(job.pending) >= job.batchSize {
				return c.flush(ctx, job, log)
			}
		}
		return nil
	}

	streamRes, streamErr := c.dec.Stream(ctx, path, onRecord, opts)
	job.valid += streamRes.ValidLines
	job.errLines += streamRes.ErrorLines
	if streamRes.Memory.HeapAllocPeak > job.memPeak {
		job.memPeak = streamRes.Memory.HeapAllocPeak
	}

	if streamErr != nil {
		var exh *ExhaustionError
		switch {
		case stderrors.As(streamErr, &exh):
			c.pauseJob(job, res, exh, log)
		case stderrors.Is(streamErr, context.Canceled), stderrors.Is(streamErr, context.DeadlineExceeded):
			c.cancelJob(job, res, streamErr, log)
		default:
			c.failJob(job, res, streamErr, log)
		}
		return true
	}

	// Remainder below the batch threshold.
	if err := c.flush(ctx, job, log); err != nil {
		c.failJob(job, res, err, log)
		return true
	}
	log.Info("archive ingested",
		"path", path,
		"codec", string(streamRes.Codec),
		"lines", streamRes.TotalLines,
		"valid", streamRes.ValidLines,
		"errors", streamRes.ErrorLines,
		"unique", job.unique,
		"duplicates", job.duplicates,
		"batch_size", job.batchSize)
	return false
}

// runReconcile folds already-fetched API batches into the job's dedup
// session and forwards the survivors as one merged batch. Returns true when
// it already finished the job on a terminal path.
func (c *Coordinator) runReconcile(ctx context.Context, job *jobContext, batches []record.Batch, det *dedup.Detector, res *queue.Result, log *slog.Logger) (done bool) {
	if err := c.drainEvents(job, log); err != nil {
		var exh *ExhaustionError
		if stderrors.As(err, &exh) {
			c.pauseJob(job, res, exh, log)
		} else {
			c.failJob(job, res, err, log)
		}
		return true
	}
	if err := ctx.Err(); err != nil {
		c.cancelJob(job, res, err, log)
		return true
	}

	analysis, err := det.CheckBatch(batches)
	if err != nil {
		c.failJob(job, res, errors.Wrap(err, "reconcile api batches"), log)
		return true
	}
	res.Analysis = analysis
	job.apiRecords += int64(analysis.TotalRecords)
	job.valid += int64(analysis.TotalRecords)
	job.unique += int64(analysis.UniqueRecords)
	job.duplicates += int64(analysis.DuplicateRecords)
	job.skipped += int64(analysis.SkippedRecords)

	if len(analysis.Survivors) > 0 {
		merged := c.merger.Merge(analysis.Survivors)
		job.merged++
		job.gaps = append(job.gaps, merged.Gaps...)
		if err := c.deliver(ctx, job, merged, "reconcile"); err != nil {
			c.failJob(job, res, err, log)
			return true
		}
	}
	log.Info("api batches reconciled",
		"batches", len(batches),
		"records", analysis.TotalRecords,
		"unique", analysis.UniqueRecords,
		"duplicates", analysis.DuplicateRecords,
		"duplicate_rate", analysis.DuplicateRate)
	return false
}

// flush merges the pending archive records and hands them downstream. The
// pending buffer survives a delivery failure untouched, so terminal paths
// can retry it before checkpointing.
func (c *Coordinator) flush(ctx context.Context, job *jobContext, log *slog.Logger) error {
	if len(job.pending) == 0 {
		return nil
	}
	batch := record.Batch{SourceType: record.SourceArchive, Records: job.pending}
	merged := c.merger.Merge([]record.Batch{batch})
	if err := c.deliver(ctx, job, merged, "archive"); err != nil {
		return err
	}
	job.merged++
	job.gaps = append(job.gaps, merged.Gaps...)
	log.Debug("batch delivered",
		"records", len(merged.Items),
		"batch_size", job.batchSize,
		"gaps", len(merged.Gaps))
	job.pending = job.pending[:0]
	return nil
}

func (c *Coordinator) deliver(ctx context.Context, job *jobContext, merged *merge.MergedBatch, stage string) error {
	msg := pipeline.Message{
		Payload: merged,
		Metadata: map[string]any{
			"job_id":  job.jobID,
			"stage":   stage,
			"records": len(merged.Items),
		},
	}
	if err := c.Forward(ctx, msg); err != nil {
		return errors.Wrapf(err, "deliver %s batch for job %s", stage, job.jobID)
	}
	return nil
}

// drainEvents consumes any queued pressure events without blocking. A
// warning shrinks the adaptive batch size; exhaustion returns the error
// that pauses the job.
func (c *Coordinator) drainEvents(job *jobContext, log *slog.Logger) error {
	for job.events != nil {
		select {
		case ev, ok := <-job.events:
			if !ok {
				job.events = nil
				return nil
			}
			if ev.Sample.MemoryBytes > job.memPeak {
				job.memPeak = ev.Sample.MemoryBytes
			}
			switch ev.Level {
			case monitor.LevelExhaustion:
				return &ExhaustionError{
					JobID:          job.jobID,
					MemoryBytes:    ev.Sample.MemoryBytes,
					ThresholdBytes: job.cfg.MemoryThresholdBytes,
					ProcessedLines: job.markLines,
				}
			case monitor.LevelWarning:
				if job.cfg.DisableAdaptiveBatching {
					log.Warn("memory pressure", "memory_pct", ev.Sample.MemoryPct)
					break
				}
				if next, changed := job.shrinkBatch(); changed {
					log.Warn("memory pressure, shrinking batch size",
						"batch_size", next,
						"memory_pct", ev.Sample.MemoryPct)
				}
			}
		default:
			return nil
		}
	}
	return nil
}

func (c *Coordinator) appendProgress(ctx context.Context, job *jobContext, log *slog.Logger) {
	cp, err := c.store.Append(ctx, job.jobID, checkpoint.Progress{
		ProcessedLines: job.markLines,
		LastPosition:   job.markOffset,
		CompletionPct:  job.completionPct(),
	})
	if err != nil {
		log.Warn("progress checkpoint failed", "error", err)
		return
	}
	job.lastCpLines = job.markLines
	log.Debug("progress checkpoint",
		"sequence", cp.Sequence,
		"processed_lines", job.markLines,
		"last_position", job.markOffset,
		"completion_pct", cp.CompletionPct)
}

// pauseJob handles memory exhaustion: deliver what was accepted, release
// what we can, and leave an emergency checkpoint so the queue can resubmit.
func (c *Coordinator) pauseJob(job *jobContext, res *queue.Result, exh *ExhaustionError, log *slog.Logger) {
	bctx := context.Background()
	flushErr := c.flush(bctx, job, log)
	if flushErr != nil {
		res.AddError(flushErr)
	}
	if err := job.transition(queue.StatePaused); err != nil {
		res.AddError(err)
	}
	runtime.GC()

	if !job.cfg.DisableCheckpoints {
		if flushErr == nil {
			if _, err := c.store.Append(bctx, job.jobID, checkpoint.Progress{
				ProcessedLines:   job.markLines,
				LastPosition:     job.markOffset,
				CompletionPct:    job.completionPct(),
				Status:           checkpoint.StatusEmergency,
				Reason:           "memory exhaustion",
				MemoryUsageBytes: exh.MemoryBytes,
			}); err != nil {
				res.AddError(errors.Wrap(err, "emergency checkpoint"))
			} else {
				job.lastCpLines = job.markLines
			}
		} else {
			log.Warn("skipping emergency checkpoint after delivery failure, resume will re-deliver",
				"last_checkpointed_lines", job.lastCpLines)
		}
	}

	exh.ProcessedLines = job.markLines
	res.State = job.state
	res.Success = false
	res.Metrics = job.metrics(time.Since(job.startedAt))
	res.Gaps = len(job.gaps)
	res.AddError(exh)
	log.Warn("job paused on memory exhaustion",
		"memory_bytes", exh.MemoryBytes,
		"threshold_bytes", exh.ThresholdBytes,
		"processed_lines", job.markLines)
}

// cancelJob handles context cancellation. Bookkeeping runs on a background
// context; the run context is already dead.
func (c *Coordinator) cancelJob(job *jobContext, res *queue.Result, cause error, log *slog.Logger) {
	bctx := context.Background()
	flushErr := c.flush(bctx, job, log)
	if flushErr != nil {
		res.AddError(flushErr)
	}
	if err := job.transition(queue.StateCancelled); err != nil {
		res.AddError(err)
	}

	if !job.cfg.DisableCheckpoints {
		if flushErr == nil {
			if _, err := c.store.Append(bctx, job.jobID, checkpoint.Progress{
				ProcessedLines: job.markLines,
				LastPosition:   job.markOffset,
				CompletionPct:  job.completionPct(),
				Status:         checkpoint.StatusCancelled,
				Reason:         "processing cancelled",
			}); err != nil {
				res.AddError(errors.Wrap(err, "cancellation checkpoint"))
			} else {
				job.lastCpLines = job.markLines
			}
		} else {
			log.Warn("skipping cancellation checkpoint after delivery failure, resume will re-deliver",
				"last_checkpointed_lines", job.lastCpLines)
		}
	}

	res.State = job.state
	res.Success = false
	res.Metrics = job.metrics(time.Since(job.startedAt))
	res.Gaps = len(job.gaps)
	res.AddError(cause)
	log.Warn("job cancelled", "processed_lines", job.markLines)
}

// failJob records a failure checkpoint at the exact stream position when it
// can, and falls back to MarkFailed (which carries the last checkpointed
// position forward) when it cannot.
func (c *Coordinator) failJob(job *jobContext, res *queue.Result, cause error, log *slog.Logger) {
	bctx := context.Background()
	flushErr := c.flush(bctx, job, log)
	if flushErr != nil {
		res.AddError(flushErr)
	}
	if err := job.transition(queue.StateFailed); err != nil {
		res.AddError(err)
	}

	if !job.cfg.DisableCheckpoints {
		if flushErr == nil && job.markLines > job.lastCpLines {
			if _, err := c.store.Append(bctx, job.jobID, checkpoint.Progress{
				ProcessedLines: job.markLines,
				LastPosition:   job.markOffset,
				CompletionPct:  job.completionPct(),
				Status:         checkpoint.StatusFailed,
				Reason:         cause.Error(),
			}); err != nil {
				res.AddError(errors.Wrap(err, "failure checkpoint"))
			}
		} else {
			if _, err := c.store.MarkFailed(bctx, job.jobID, cause.Error()); err != nil {
				res.AddError(errors.Wrap(err, "failure checkpoint"))
			}
		}
	}

	res.State = job.state
	res.Success = false
	res.Metrics = job.metrics(time.Since(job.startedAt))
	res.Gaps = len(job.gaps)
	res.AddError(cause)
	log.Error("job failed", "error", cause, "processed_lines", job.markLines)
}

func (c *Coordinator) finishCompleted(job *jobContext, res *queue.Result, log *slog.Logger) {
	if err := job.transition(queue.StateCompleted); err != nil {
		res.AddError(err)
	}
	d := time.Since(job.startedAt)
	res.Metrics = job.metrics(d)
	res.Gaps = len(job.gaps)

	if !job.cfg.DisableCheckpoints {
		if _, err := c.store.MarkCompleted(context.Background(), job.jobID, job.finalMetrics(d)); err != nil {
			res.AddError(errors.Wrap(err, "terminal checkpoint"))
		}
	}

	res.State = job.state
	res.Success = true
	log.Info("job completed",
		"lines", res.Metrics.TotalLines,
		"valid", res.Metrics.ValidRecords,
		"unique", job.unique,
		"duplicates", res.Metrics.DuplicateRecords,
		"skipped", res.Metrics.SkippedRecords,
		"batches", res.Metrics.MergedBatches,
		"gaps", res.Gaps,
		"duration", d.Round(time.Millisecond))
}

// attachCheckpoints snapshots the job's retained checkpoints onto the
// result. Runs on a background context so a cancelled job still reports.
func (c *Coordinator) attachCheckpoints(res *queue.Result) {
	if c.cfg.DisableCheckpoints || c.store == nil {
		return
	}
	cps, err := c.store.All(context.Background(), res.JobID)
	if err != nil {
		return
	}
	res.Checkpoints = cps
}

// effectiveConfig layers the unit's option overrides onto the coordinator
// config, re-normalizing so overrides cannot break the batch-size ordering.
func (c *Coordinator) effectiveConfig(unit queue.WorkUnit, log *slog.Logger) Config {
	cfg := c.cfg
	for key, raw := range unit.Options {
		switch key {
		case "batchSize", "baseBatchSize":
			if n, ok := optInt(raw); ok && n > 0 {
				cfg.BaseBatchSize = n
			}
		case "minBatchSize":
			if n, ok := optInt(raw); ok && n > 0 {
				cfg.MinBatchSize = n
			}
		case "maxBatchSize":
			if n, ok := optInt(raw); ok && n > 0 {
				cfg.MaxBatchSize = n
			}
		case "maxMemoryUsageMB":
			if n, ok := optInt(raw); ok && n > 0 {
				cfg.MemoryThresholdBytes = uint64(n) << 20
			}
		case "progressReportingInterval":
			if n, ok := optInt(raw); ok && n > 0 {
				cfg.ProgressInterval = int64(n)
			}
		case "estimatedLinesPerMB":
			if n, ok := optInt(raw); ok && n > 0 {
				cfg.EstimatedLinesPerMB = int64(n)
			}
		case "processingTimeout":
			if d, ok := optDuration(raw); ok && d > 0 {
				cfg.ProcessingTimeout = d
			}
		default:
			log.Warn("unknown job option ignored", "key", key)
		}
	}
	return cfg.withDefaults()
}

func configSnapshot(unit queue.WorkUnit, cfg Config) map[string]interface{} {
	return map[string]interface{}{
		"filePath":                  unit.FilePath,
		"apiBatches":                len(unit.APIBatches),
		"baseBatchSize":             cfg.BaseBatchSize,
		"minBatchSize":              cfg.MinBatchSize,
		"maxBatchSize":              cfg.MaxBatchSize,
		"maxMemoryBytes":            cfg.MemoryThresholdBytes,
		"progressReportingInterval": cfg.ProgressInterval,
		"estimatedLinesPerMB":       cfg.EstimatedLinesPerMB,
	}
}

func estimateLines(cfg Config, sizeBytes int64) int64 {
	if sizeBytes <= 0 {
		return 0
	}
	est := sizeBytes * cfg.EstimatedLinesPerMB / (1 << 20)
	if est < 1 {
		est = 1
	}
	return est
}

// initialBatchSize sizes the first batch from the archive's estimated line
// count and current heap headroom: full headroom doubles the base, exhausted
// headroom floors it, and at most a tenth of the estimated lines go into one
// batch, so small archives open at the floor. The size only shrinks from
// there; it never grows mid-job.
func initialBatchSize(cfg Config, estimatedLines int64) int {
	size := cfg.BaseBatchSize
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc >= cfg.MemoryThresholdBytes {
		size = cfg.MinBatchSize
	} else {
		headroom := float64(cfg.MemoryThresholdBytes-ms.HeapAlloc) / float64(cfg.MemoryThresholdBytes)
		size = int(float64(cfg.BaseBatchSize) * 2 * headroom)
	}
	if estimatedLines > 0 {
		if lineCap := estimatedLines / 10; int64(size) > lineCap {
			size = int(lineCap)
		}
	}
	if size < cfg.MinBatchSize {
		size = cfg.MinBatchSize
	}
	if size > cfg.MaxBatchSize {
		size = cfg.MaxBatchSize
	}
	return size
}

func optInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func optDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, false
		}
		return parsed, true
	case int:
		return time.Duration(d) * time.Second, true
	case int64:
		return time.Duration(d) * time.Second, true
	case float64:
		return time.Duration(d * float64(time.Second)), true
	}
	return 0, false
}
