package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBreakerOpen is returned when an operation is skipped because its
	// circuit breaker is open. Never retried.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrExtractionFailure is returned when a required field is missing from
	// a fetched document.
	ErrExtractionFailure = errors.New("required field extraction failed")

	// ErrResourceChanged signals a validator mismatch while resuming. It is
	// recovered inside the transfer attempt and never surfaces to callers.
	ErrResourceChanged = errors.New("resource changed under resumed transfer")

	// ErrJobNotFound is returned by lookups for unknown job ids where absence
	// is an error rather than a no-op.
	ErrJobNotFound = errors.New("job not found")
)

// StatusError carries an HTTP status code so the failure classifier can
// separate terminal from retryable responses.
type StatusError struct {
	Code int
	Op   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
}

// TransferError wraps a failure with the job and resource it belongs to, for
// propagation to the orchestrator.
type TransferError struct {
	JobID      string
	ResourceID string
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s (resource %s): %v", e.JobID, e.ResourceID, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
