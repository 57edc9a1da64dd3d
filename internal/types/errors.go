package types

import (
	"errors"
	"fmt"
)

// Error taxonomy for the pipeline. Every stage returns one of these typed
// errors at its boundary so callers can branch with errors.As without
// string matching.

// TransientServiceError marks a retryable failure of an external service
// (timeout, 429, connection reset). The dispatcher retries these with
// backoff up to its attempt budget.
type TransientServiceError struct {
	Service string
	Err     error
}

func (e *TransientServiceError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Service, e.Err)
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientServiceError.
func IsTransient(err error) bool {
	var t *TransientServiceError
	return errors.As(err, &t)
}

// MalformedResponseError marks a model response that failed to parse even
// after repair and the one-shot strict retry prompt.
type MalformedResponseError struct {
	ClusterID int
	Detail    string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed analysis response for cluster %d: %s", e.ClusterID, e.Detail)
}

// ValidationError marks a schema or coverage violation. It always names
// the specific shortfall and is never bypassed silently.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Reason }

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConflictError marks a state-machine conflict, e.g. starting a new
// analysis run while a draft is still pending.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

// NotFoundError marks an unknown cluster, persona, or sample id.
type NotFoundError struct {
	Kind string // "cluster", "persona", "sample", "draft"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}
