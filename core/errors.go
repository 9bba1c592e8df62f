package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Lock-related errors
	ErrLockHeld     = errors.New("lock already held")
	ErrLockVanished = errors.New("lock vanished before confirmation")
	ErrNotLocked    = errors.New("lock not held")

	// Registry-related errors
	ErrAlreadyRegistered = errors.New("task already registered")
	ErrNotRegistered     = errors.New("task not registered")
	ErrTaskTerminal      = errors.New("task already in terminal state")

	// Task/result errors
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already exists")
	ErrNotRevocable = errors.New("task not revocable")
	ErrTaskChained  = errors.New("task is part of a callback chain")

	// Queue/transport errors
	ErrNoWorkers        = errors.New("no workers responded")
	ErrSubmitFailed     = errors.New("task submission failed")
	ErrQueueUnavailable = errors.New("queue unavailable")

	// Store errors
	ErrKeyNotFound = errors.New("key not found")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrConnectionFailed   = errors.New("connection failed")
)

// CoordinationError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type CoordinationError struct {
	Op      string // Operation that failed (e.g., "lock.Acquire")
	Kind    string // Error kind (e.g., "lock", "registry", "queue")
	TaskID  string // Optional task identifier involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *CoordinationError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.TaskID != "" {
			if e.Message != "" {
				return fmt.Sprintf("%s [%s]: %s: %v", e.Op, e.TaskID, e.Message, e.Err)
			}
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.TaskID, e.Err)
		}
		if e.Message != "" {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *CoordinationError) Unwrap() error {
	return e.Err
}

// NewCoordinationError creates a new CoordinationError
func NewCoordinationError(op, kind string, err error) *CoordinationError {
	return &CoordinationError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient transport or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrQueueUnavailable) ||
		errors.Is(err, ErrNoWorkers)
}

// IsLockError checks if an error is lock-related
func IsLockError(err error) bool {
	return errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrLockVanished) ||
		errors.Is(err, ErrNotLocked)
}

// IsRegistryError checks if an error is registry-related
func IsRegistryError(err error) bool {
	return errors.Is(err, ErrAlreadyRegistered) ||
		errors.Is(err, ErrNotRegistered) ||
		errors.Is(err, ErrTaskTerminal)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrKeyNotFound)
}
