package domain

import (
	"errors"
	"fmt"
)

// Field names reported by MissingFieldError.
const (
	FieldRejectionReason = "rejectionReason"
	FieldApprovedAmount  = "approvedAmount"
)

// Sentinel errors for simple conditions without extra context.
var (
	ErrApplicationNotFound = errors.New("application not found")
	// ErrStaleRecord is returned by Commit when the stored version moved on
	// since the record was loaded.
	ErrStaleRecord = errors.New("application was modified concurrently")
	// ErrConnectionLost marks a push transport that can no longer be written to.
	ErrConnectionLost = errors.New("push connection lost")
	// ErrInvalidIdentity is returned when a caller identity is missing or malformed.
	ErrInvalidIdentity = errors.New("invalid caller identity")
	// ErrForbidden is returned when the actor may not act on the application.
	ErrForbidden = errors.New("actor may not act on this application")
)

// IllegalTransitionError is returned when the target status is not reachable
// from the current one.
type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("transition from %q to %q is not allowed", e.From, e.To)
}

// MissingFieldError is returned when the target status requires data that was
// not supplied.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

// PersistenceError wraps a storage failure that aborted a transition.
// The caller may retry the request.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
