package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSource is returned when no Mapping is registered for a source id or schema.
	ErrUnknownSource = errors.New("unknown source")
	// ErrRunInProgress is returned when a source already has a running migration.
	ErrRunInProgress = errors.New("migration already running for source")
	// ErrRunNotFound is returned when a run id does not exist.
	ErrRunNotFound = errors.New("migration run not found")
	// ErrInvalidTransition is returned when a status change would regress a run.
	ErrInvalidTransition = errors.New("invalid run status transition")
	// ErrRunTerminated is returned when a run was cancelled or failed by
	// another actor before it could start.
	ErrRunTerminated = errors.New("run ended before it started")
	// ErrCancelled marks a run stopped on request at a row boundary.
	ErrCancelled = errors.New("cancellation requested")
)

// ValidationError reports a present-but-invalid field. The row counts as failed.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// SkipError reports a required field that is absent. The row counts as skipped.
type SkipError struct {
	Field string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("missing %s", e.Field)
}

// ConnectivityError wraps a failure to reach a source or target database.
// It is fatal for the whole run.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: connectivity: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ConstraintViolation wraps an unanticipated integrity error on upsert.
type ConstraintViolation struct {
	Constraint string
	Err        error
}

func (e *ConstraintViolation) Error() string {
	if e.Constraint == "" {
		return fmt.Sprintf("constraint violation: %v", e.Err)
	}
	return fmt.Sprintf("constraint %s violated: %v", e.Constraint, e.Err)
}

func (e *ConstraintViolation) Unwrap() error { return e.Err }

// IsSkip reports whether err carries a SkipError.
func IsSkip(err error) bool {
	var s *SkipError
	return errors.As(err, &s)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConnectivity reports whether err carries a ConnectivityError.
func IsConnectivity(err error) bool {
	var c *ConnectivityError
	return errors.As(err, &c)
}
