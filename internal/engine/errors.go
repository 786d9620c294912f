package engine

import (
	"errors"
	"fmt"
)

// JobError represents a job that could not run to completion for reasons
// outside the replication state machine.
type JobError struct {
	// Code identifies the error category.
	Code JobErrorCode

	// Job identifies the job, e.g. "sync upload/42".
	Job string

	// Message is a human-readable description.
	Message string
}

// JobErrorCode categorizes job errors.
type JobErrorCode string

const (
	// ErrCodeJobPanic indicates the job panicked. The registry stays in
	// whatever state the job left it; the timeout sweep recovers started rows.
	ErrCodeJobPanic JobErrorCode = "JOB_PANIC"

	// ErrCodeUnknownResourceType indicates no replicator serves the job's
	// resource type.
	ErrCodeUnknownResourceType JobErrorCode = "UNKNOWN_RESOURCE_TYPE"
)

// Error implements the error interface.
func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s (job=%s)", e.Code, e.Message, e.Job)
}

// IsJobPanic returns true if the error is a recovered job panic.
// Uses errors.As to handle wrapped errors.
func IsJobPanic(err error) bool {
	var je *JobError
	if errors.As(err, &je) {
		return je.Code == ErrCodeJobPanic
	}
	return false
}
