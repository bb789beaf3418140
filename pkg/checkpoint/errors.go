package checkpoint

import (
	"errors"
	"fmt"
)

var (
	// ErrNoInitialCheckpoint is returned by Append when a job has no
	// initial checkpoint yet. Caller misuse: fatal to the call, not the job.
	ErrNoInitialCheckpoint = errors.New("checkpoint: no initial checkpoint for job")

	// ErrCheckpointNotFound is returned when a job has no checkpoints.
	ErrCheckpointNotFound = errors.New("checkpoint: not found")

	// ErrJobAlreadyCompleted is returned when appending to a job that has
	// a terminal completed checkpoint.
	ErrJobAlreadyCompleted = errors.New("checkpoint: job already completed")
)

// WriteError wraps a persistence failure. Non-fatal: the write is logged,
// the checkpoint stays in the in-memory index, and only resumability across
// process restarts is degraded.
type WriteError struct {
	JobID        string
	CheckpointID string
	Err          error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("checkpoint write failed for job %s (%s): %v", e.JobID, e.CheckpointID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
