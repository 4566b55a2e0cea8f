package eventlog

// ============================================================================
// Event Log Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrWriterClosed indicates the writer was closed, no more records accepted
	ErrWriterClosed = errors.New("eventlog: writer closed")

	// ErrSyncFailed indicates fsync failed; the collector treats it as fatal
	ErrSyncFailed = errors.New("eventlog: sync to disk failed")

	// ErrCorruptedLog indicates a complete line that is not a valid record
	ErrCorruptedLog = errors.New("eventlog: corrupted record")
)

// CorruptionError locates an undecodable record.
type CorruptionError struct {
	Path   string
	Line   int   // 1-based
	Offset int64 // byte offset of the start of the line
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("eventlog: corrupted record in %s at line %d (offset %d): %v", e.Path, e.Line, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedLog
}
