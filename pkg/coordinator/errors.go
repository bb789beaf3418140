package coordinator

import "fmt"

// ExhaustionError reports that memory pressure crossed the exhaustion
// threshold mid-job. The job paused at a checkpoint, so the queue may
// resubmit it once pressure clears.
type ExhaustionError struct {
	JobID          string
	MemoryBytes    uint64
	ThresholdBytes uint64
	ProcessedLines int64
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("job %s: memory exhausted (%d of %d budget bytes) after %d lines",
		e.JobID, e.MemoryBytes, e.ThresholdBytes, e.ProcessedLines)
}

// Retryable marks the pause as resumable for queue.IsRetryable.
func (e *ExhaustionError) Retryable() bool { return true }
