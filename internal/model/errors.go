package model

import (
	"errors"
	"fmt"
)

// TransientIOError is an unreadable path or collector timeout. The cycle continues.
type TransientIOError struct {
	Source string
	Err    error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient I/O error on %s: %v", e.Source, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// ValidationError represents a rejected input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// ActionExecutionError is a failed or timed out response action
type ActionExecutionError struct {
	Action ActionKind
	Target string
	Err    error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action %s on %q failed: %v", e.Action, e.Target, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// StorageError means the state store or audit sink could not be written.
// It is fatal to the current cycle.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ExternalServiceError is an unreachable collaborator. The pipeline degrades.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s unavailable: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// IsStorage reports whether err wraps a StorageError
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
