// Package queue defines the job-queue boundary: the work-unit shape pushed
// at the core, the structured result it reports back, and the dispatcher
// that fans work units across workers. Retry and backoff stay the queue
// transport's concern, outside this module.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/tidemark-io/tideline/pkg/checkpoint"
	"github.com/tidemark-io/tideline/pkg/dedup"
	"github.com/tidemark-io/tideline/pkg/record"
)

// JobState is the lifecycle position of one job run.
type JobState string

const (
	StateInitialized JobState = "initialized"
	StateRunning     JobState = "running"
	StatePaused      JobState = "paused"
	StateCompleted   JobState = "completed"
	StateFailed      JobState = "failed"
	StateCancelled   JobState = "cancelled"
)

// Terminal reports whether the state ends the run.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// WorkUnit is one job pushed at the core. FilePath names an archive to
// ingest; APIBatches carry already-fetched API records to reconcile. A unit
// may carry both, in which case the archive is ingested first so it wins
// first-seen attribution.
type WorkUnit struct {
	JobID      string         `json:"job_id"`
	FilePath   string         `json:"file_path,omitempty"`
	APIBatches []record.Batch `json:"api_batches,omitempty"`
	// Options override job-level processing settings (batch sizing,
	// thresholds); keys match the config file's job options.
	Options map[string]any `json:"options,omitempty"`
}

// JobMetrics counts what one run did.
type JobMetrics struct {
	TotalLines       int64         `json:"total_lines"`
	ValidRecords     int64         `json:"valid_records"`
	ErrorLines       int64         `json:"error_lines"`
	SkippedRecords   int64         `json:"skipped_records"`
	DuplicateRecords int64         `json:"duplicate_records"`
	MergedBatches    int64         `json:"merged_batches"`
	BytesRead        int64         `json:"bytes_read"`
	ThroughputPerSec float64       `json:"throughput_per_sec"`
	MemoryPeakBytes  uint64        `json:"memory_peak_bytes"`
	Duration         time.Duration `json:"duration"`
}

// Result is what every run reports back, success or not. A failed job still
// carries its progress counts and checkpoints; the queue never receives a
// bare error with no progress information.
type Result struct {
	JobID   string     `json:"job_id"`
	Success bool       `json:"success"`
	State   JobState   `json:"state"`
	Metrics JobMetrics `json:"metrics"`
	Errors  []string   `json:"errors,omitempty"`

	// Gaps counts coverage gaps found during merging.
	Gaps int `json:"gaps"`
	// Analysis summarizes reconcile-path deduplication, nil for pure
	// archive runs.
	Analysis *dedup.BatchAnalysis `json:"analysis,omitempty"`
	// Checkpoints are the job's retained checkpoints at return time.
	Checkpoints []*checkpoint.ProcessingCheckpoint `json:"checkpoints,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// AddError records a run error on the result.
func (r *Result) AddError(err error) {
	if err == nil {
		return
	}
	r.Errors = append(r.Errors, err.Error())
}

// Runner executes one work unit. Implemented by the coordinator.
type Runner interface {
	Run(ctx context.Context, unit WorkUnit) *Result
}

// IsRetryable classifies an error for the queue transport: true when any
// error in the chain declares itself retryable.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
