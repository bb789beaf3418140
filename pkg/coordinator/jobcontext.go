package coordinator

import (
	"time"

	"github.com/pkg/errors"

	"github.com/tidemark-io/tideline/pkg/checkpoint"
	"github.com/tidemark-io/tideline/pkg/merge"
	"github.com/tidemark-io/tideline/pkg/monitor"
	"github.com/tidemark-io/tideline/pkg/queue"
	"github.com/tidemark-io/tideline/pkg/record"
)

// validTransitions is the job lifecycle graph. Terminal states have no
// outgoing edges; everything else must pass through one of these.
var validTransitions = map[queue.JobState][]queue.JobState{
	queue.StateInitialized: {queue.StateRunning, queue.StateFailed, queue.StateCancelled},
	queue.StateRunning:     {queue.StatePaused, queue.StateCompleted, queue.StateFailed, queue.StateCancelled},
	queue.StatePaused:      {queue.StateRunning, queue.StateFailed, queue.StateCancelled},
}

// jobContext carries the mutable run state for a single work unit. It is
// touched only from the goroutine executing Run, so it needs no locking.
type jobContext struct {
	jobID     string
	state     queue.JobState
	startedAt time.Time
	cfg       Config

	batchSize      int
	estimatedLines int64

	// markLines/markOffset always describe the same stream position: the
	// number of lines fully consumed and the decompressed byte offset
	// just past the last of them. They are the only values ever written
	// into a checkpoint.
	markLines   int64
	markOffset  int64
	lastCpLines int64
	resumedFrom int64

	valid      int64
	errLines   int64
	unique     int64
	duplicates int64
	skipped    int64
	apiRecords int64
	merged     int64
	memPeak    uint64

	gaps    []merge.Gap
	pending []record.SourceRecord

	// events is the job's pressure feed; nilled out once the monitor
	// closes it.
	events <-chan monitor.Event
}

func newJobContext(jobID string, cfg Config) *jobContext {
	return &jobContext{
		jobID:     jobID,
		state:     queue.StateInitialized,
		startedAt: time.Now().UTC(),
		cfg:       cfg,
		batchSize: cfg.BaseBatchSize,
	}
}

func (j *jobContext) transition(to queue.JobState) error {
	for _, allowed := range validTransitions[j.state] {
		if allowed == to {
			j.state = to
			return nil
		}
	}
	return errors.Errorf("job %s: invalid state transition %s -> %s", j.jobID, j.state, to)
}

// mark records an exact stream position as reported by the decompressor.
func (j *jobContext) mark(lines, offset int64) {
	j.markLines = lines
	j.markOffset = offset
}

// shrinkBatch halves the adaptive batch size in response to memory
// pressure, never going below the configured floor. Batch size only
// shrinks during a run; it is recomputed fresh on the next submission.
func (j *jobContext) shrinkBatch() (int, bool) {
	next := j.batchSize / 2
	if next < j.cfg.MinBatchSize {
		next = j.cfg.MinBatchSize
	}
	if next == j.batchSize {
		return j.batchSize, false
	}
	j.batchSize = next
	return next, true
}

// completionPct estimates progress against the line-count estimate.
// 100 is reserved for the terminal checkpoint, so live progress caps
// out just below it.
func (j *jobContext) completionPct() float64 {
	if j.estimatedLines <= 0 {
		return 0
	}
	pct := float64(j.markLines) / float64(j.estimatedLines) * 100
	if pct > 99.9 {
		pct = 99.9
	}
	return pct
}

func (j *jobContext) metrics(d time.Duration) queue.JobMetrics {
	var rate float64
	if runLines := (j.markLines - j.resumedFrom) + j.apiRecords; runLines > 0 && d > 0 {
		rate = float64(runLines) / d.Seconds()
	}
	return queue.JobMetrics{
		TotalLines:       j.markLines + j.apiRecords,
		ValidRecords:     j.valid,
		ErrorLines:       j.errLines,
		SkippedRecords:   j.skipped,
		DuplicateRecords: j.duplicates,
		MergedBatches:    j.merged,
		BytesRead:        j.markOffset,
		ThroughputPerSec: rate,
		MemoryPeakBytes:  j.memPeak,
		Duration:         d,
	}
}

func (j *jobContext) finalMetrics(d time.Duration) checkpoint.FinalMetrics {
	m := j.metrics(d)
	return checkpoint.FinalMetrics{
		TotalLines:       m.TotalLines,
		ValidLines:       m.ValidRecords,
		ErrorLines:       m.ErrorLines,
		DuplicateRecords: m.DuplicateRecords,
		ThroughputPerSec: m.ThroughputPerSec,
		MemoryPeakBytes:  m.MemoryPeakBytes,
		DurationMs:       d.Milliseconds(),
	}
}
