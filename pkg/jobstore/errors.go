package jobstore

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested job record does not exist.
var ErrNotFound = errors.New("job not found")

// StorageError wraps a durable-store failure with the operation context.
//
// Callers treat it as fatal for the in-flight attempt: the orchestrator
// surfaces it through the job's error field instead of crashing the process.
type StorageError struct {
	// Op is the operation that failed (e.g., "save", "append_log").
	Op string

	// JobID is the affected job, if known.
	JobID string

	// Err is the underlying error.
	Err error
}

func (e *StorageError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("jobstore %s: %s: %v", e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("jobstore %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op, jobID string, err error) error {
	return &StorageError{Op: op, JobID: jobID, Err: err}
}
