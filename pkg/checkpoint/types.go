package checkpoint

import (
	"time"
)

// CheckpointVersion identifies the serialized checkpoint format.
const CheckpointVersion = "1.0"

// Status tags why a checkpoint was written.
type Status string

const (
	StatusInitial   Status = "initial"
	StatusProgress  Status = "progress"
	StatusEmergency Status = "emergency"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// ProcessingCheckpoint is one immutable progress marker for a job. Progress
// is always represented as a new checkpoint, never an update; the latest
// non-completed checkpoint is the resumption point.
type ProcessingCheckpoint struct {
	Version        string    `json:"version"`
	CheckpointID   string    `json:"checkpoint_id"`
	JobID          string    `json:"job_id"`
	Sequence       uint64    `json:"sequence"`
	Status         Status    `json:"status"`
	ProcessedLines int64     `json:"processed_lines"`
	LastPosition   int64     `json:"last_position"`
	CompletionPct  float64   `json:"completion_pct"`
	Timestamp      time.Time `json:"checkpoint_timestamp"`
	Completed      bool      `json:"completed"`

	// Reason carries the failure or emergency trigger, empty otherwise.
	Reason           string `json:"reason,omitempty"`
	MemoryUsageBytes uint64 `json:"memory_usage_bytes,omitempty"`

	// ConfigHash detects configuration drift between runs. The full
	// snapshot is stored on the initial checkpoint only.
	ConfigHash     string                 `json:"config_hash,omitempty"`
	ConfigSnapshot map[string]interface{} `json:"config_snapshot,omitempty"`

	// Metrics are attached to the terminal completed checkpoint.
	Metrics *FinalMetrics `json:"metrics,omitempty"`
}

// FinalMetrics summarizes a finished job on its terminal checkpoint.
type FinalMetrics struct {
	TotalLines       int64   `json:"total_lines"`
	ValidLines       int64   `json:"valid_lines"`
	ErrorLines       int64   `json:"error_lines"`
	DuplicateRecords int64   `json:"duplicate_records"`
	ThroughputPerSec float64 `json:"throughput_per_sec"`
	MemoryPeakBytes  uint64  `json:"memory_peak_bytes"`
	DurationMs       int64   `json:"duration_ms"`
}

// Progress is the caller-supplied state for an appended checkpoint.
type Progress struct {
	ProcessedLines int64
	LastPosition   int64
	CompletionPct  float64
	// Status defaults to StatusProgress; emergency and cancellation
	// checkpoints set it explicitly.
	Status           Status
	Reason           string
	MemoryUsageBytes uint64
}

// Meta describes a job at initial-checkpoint time.
type Meta struct {
	ConfigSnapshot map[string]interface{}
}
