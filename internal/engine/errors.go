package engine

import (
	"errors"
	"fmt"

	"ideafunnel/internal/repo"
)

// ErrorKind classifies engine failures for callers that map them to
// transport codes.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindNotFound     ErrorKind = "not_found"
	KindUnauthorized ErrorKind = "unauthorized"
	KindInvalidState ErrorKind = "invalid_state"
	KindStore        ErrorKind = "store"
	KindUnknown      ErrorKind = "unknown"
)

// ValidationError reports user-correctable input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a missing entity. A claimed dead-pool entry is also
// reported this way.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error { return repo.ErrNotFound }

// AuthorizationError reports a caller acting on something it does not own.
type AuthorizationError struct {
	CallerID string
	Kind     string
	ID       string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("%s is not the owner of %s %s", e.CallerID, e.Kind, e.ID)
}

// InvalidStateError reports an operation that the idea's lifecycle state forbids.
type InvalidStateError struct {
	ID     string
	Status string
	Step   int
	Reason string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("idea %s (status %s, step %d): %s", e.ID, e.Status, e.Step, e.Reason)
}

// StoreError wraps a backing-store failure. Callers may retry.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e StoreError) Unwrap() error { return e.Err }

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	var (
		ve ValidationError
		nf NotFoundError
		ae AuthorizationError
		ie InvalidStateError
		se StoreError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &nf):
		return KindNotFound
	case errors.As(err, &ae):
		return KindUnauthorized
	case errors.As(err, &ie):
		return KindInvalidState
	case errors.As(err, &se):
		return KindStore
	case errors.Is(err, repo.ErrNotFound):
		return KindNotFound
	default:
		return KindUnknown
	}
}

// storeErr leaves classified errors alone and wraps everything else.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if k := KindOf(err); k != KindUnknown {
		return err
	}
	return StoreError{Op: op, Err: err}
}
