package record

import "fmt"

// ParseError reports a single malformed line. Recoverable: callers count it
// and continue the stream.
type ParseError struct {
	Reason  string
	Snippet string
}

func (e *ParseError) Error() string {
	if e.Snippet == "" {
		return "parse record: " + e.Reason
	}
	return fmt.Sprintf("parse record: %s: %q", e.Reason, e.Snippet)
}

// ValidationError reports a record rejected by a Validator. Recoverable:
// callers count it and continue the stream.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "record rejected: " + e.Reason
	}
	return fmt.Sprintf("record rejected: %s: %s", e.Field, e.Reason)
}

const maxSnippetLen = 120

// Snippet truncates raw line content for error reporting.
func Snippet(line []byte) string {
	if len(line) <= maxSnippetLen {
		return string(line)
	}
	return string(line[:maxSnippetLen]) + "..."
}
