package executor

import (
	"errors"
	"fmt"

	"ledgersync/internal/authority"
)

// ErrorKind classifies mutation failures for callers. The executor
// always restores the pre-mutation snapshot before one of these
// reaches the caller.
type ErrorKind string

const (
	// KindNotFound: the target entity is absent locally. No optimistic
	// update was published.
	KindNotFound ErrorKind = "not_found"
	// KindValidationFailed: the authoritative tier rejected the
	// payload. Rolled back; field messages attached when provided.
	KindValidationFailed ErrorKind = "validation_failed"
	// KindNetworkFailure: the authoritative write did not complete.
	// Rolled back; transient, the caller may re-dispatch.
	KindNetworkFailure ErrorKind = "network_failure"
	// KindConflictOnMerge: the server's truth disagreed with the
	// optimistic guess. Resolved by trusting the server; never
	// surfaced to callers, only logged.
	KindConflictOnMerge ErrorKind = "conflict_on_merge"
)

// Error is the typed failure surfaced by Execute.
type Error struct {
	Kind   ErrorKind
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func notFound(err error) *Error {
	return &Error{Kind: KindNotFound, Err: err}
}

// classify maps an authoritative write failure onto the taxonomy: a
// rejection the tier produced is ValidationFailed, anything that never
// completed (transport errors, 5xx) is NetworkFailure.
func classify(err error) *Error {
	if apiErr, ok := authority.IsRejection(err); ok {
		return &Error{Kind: KindValidationFailed, Fields: apiErr.Fields, Err: err}
	}
	return &Error{Kind: KindNetworkFailure, Err: err}
}
