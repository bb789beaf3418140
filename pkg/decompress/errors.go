package decompress

import "fmt"

// DecodeError reports a corrupt compression stream. Fatal: the job aborts,
// though progress already checkpointed remains valid.
type DecodeError struct {
	Path     string
	Position int64
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at offset %d: %v", e.Path, e.Position, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TimeoutError reports that the wall-clock budget for the whole decompression
// call was exceeded. It carries how far the stream got; checkpointed progress
// stays valid for resumption.
type TimeoutError struct {
	Path           string
	ProcessedLines int64
	Position       int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("decompress %s timed out after %d lines (offset %d)", e.Path, e.ProcessedLines, e.Position)
}
