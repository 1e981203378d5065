package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an object id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRejected marks a commit the store refused to apply.
	ErrRejected = errors.New("commit rejected")
	// ErrInvalid marks a malformed request, such as an unknown kind or field.
	ErrInvalid = errors.New("invalid argument")
)

// ConnectionError is a transport or authentication failure. It aborts a run.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// LookupAmbiguityError means a lookup matched more than one object where at
// most one was expected.
type LookupAmbiguityError struct {
	Kind    string
	Key     string
	Matches int
}

func (e *LookupAmbiguityError) Error() string {
	return fmt.Sprintf("%s lookup %q matched %d objects", e.Kind, e.Key, e.Matches)
}

// CommitError wraps a store-side failure to apply a create or update.
type CommitError struct {
	Kind string
	Name string
	Err  error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// ReferenceResolutionError is a reference target that names a class or
// enumeration that cannot be resolved.
type ReferenceResolutionError struct {
	Target string
	Reason string
}

func (e *ReferenceResolutionError) Error() string {
	return fmt.Sprintf("reference target %q: %s", e.Target, e.Reason)
}

// ReconcileError records the reconciliation stage and object that failed.
type ReconcileError struct {
	Stage string
	Name  string
	Err   error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Stage, e.Name, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// IsConnection reports whether err is, or wraps, a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// Rejected wraps a store validation failure so that callers can match ErrRejected.
func Rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}
