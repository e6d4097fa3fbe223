package ingest

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for matching with errors.Is.
var (
	ErrValidation             = errors.New("validation failed")
	ErrContentRejected        = errors.New("content rejected")
	ErrTransient              = errors.New("transient call failure")
	ErrFatal                  = errors.New("fatal call failure")
	ErrCallFailedAfterRetries = errors.New("call failed after retries")
	ErrReindexConflict        = errors.New("reindex already in progress")
	ErrObjectNotFound         = errors.New("object not found")
	ErrPreconditionFailed     = errors.New("object generation mismatch")
)

// ValidationError reports bad input rejected before any work starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ContentRejectedError reports content that failed the quality gate.
type ContentRejectedError struct {
	Reason  string
	Preview string
}

func (e *ContentRejectedError) Error() string {
	return fmt.Sprintf("content rejected: %s (preview %q)", e.Reason, e.Preview)
}

// Is matches ErrContentRejected.
func (e *ContentRejectedError) Is(target error) bool { return target == ErrContentRejected }

// StatusError carries a non-success HTTP status from an outbound call.
type StatusError struct {
	Op         string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s %s: status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
}

// Retryable reports whether the status signals throttling or a temporary outage.
func (e *StatusError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// TransientError marks a failure the executor should retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }

// Unwrap exposes the cause.
func (e *TransientError) Unwrap() error { return e.Err }

// Is matches ErrTransient.
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// FatalCallError marks a failure surfaced without retry.
type FatalCallError struct {
	Op  string
	Err error
}

func (e *FatalCallError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

// Unwrap exposes the cause.
func (e *FatalCallError) Unwrap() error { return e.Err }

// Is matches ErrFatal.
func (e *FatalCallError) Is(target error) bool { return target == ErrFatal }

// CallFailedAfterRetriesError is returned once the retry budget is spent.
type CallFailedAfterRetriesError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *CallFailedAfterRetriesError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Last)
}

// Unwrap exposes the last attempt's error.
func (e *CallFailedAfterRetriesError) Unwrap() error { return e.Last }

// Is matches ErrCallFailedAfterRetries.
func (e *CallFailedAfterRetriesError) Is(target error) bool {
	return target == ErrCallFailedAfterRetries
}

// ReindexConflictError reports that the backend is already reindexing.
type ReindexConflictError struct {
	Datasource  string
	ActiveJobID string
}

func (e *ReindexConflictError) Error() string {
	msg := "a reindex job is already running"
	if e.Datasource != "" {
		msg += " for " + e.Datasource
	}
	if e.ActiveJobID != "" {
		msg += " (job " + e.ActiveJobID + ")"
	}
	return msg + "; poll its status and retry later"
}

// Is matches ErrReindexConflict.
func (e *ReindexConflictError) Is(target error) bool { return target == ErrReindexConflict }

// PipelineJobFailure is recorded when an asynchronous job panics.
type PipelineJobFailure struct {
	JobID string
	Cause any
}

func (e *PipelineJobFailure) Error() string {
	return fmt.Sprintf("job %s aborted: %v", e.JobID, e.Cause)
}

// Preview truncates s for inclusion in error messages.
func Preview(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
