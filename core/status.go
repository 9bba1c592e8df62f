// Package core provides the shared types and contracts of the que coordination
// layer: the task identifier codec, task statuses, the coordination store
// abstraction and the error taxonomy.
package core

import "net/http"

// TaskStatus represents the coordination-layer state of a submitted task.
type TaskStatus string

const (
	// StatusPending indicates the task is queued but not yet accepted
	// by a worker.
	StatusPending TaskStatus = "pending"

	// StatusStarted indicates a worker has accepted the task and is
	// executing it.
	StatusStarted TaskStatus = "started"

	// StatusSuccess indicates the task finished successfully.
	StatusSuccess TaskStatus = "success"

	// StatusFailure indicates the task failed with an error.
	StatusFailure TaskStatus = "failure"

	// StatusRevoked indicates the task was cancelled before completion.
	StatusRevoked TaskStatus = "revoked"
)

// IsTerminal returns true if the status is a terminal state
// (success, failure, or revoked).
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusRevoked
}

// HTTPStatus maps a task status to the HTTP status code reported to
// clients polling the task. The mapping is part of the external contract:
// pending/started -> 201, success -> 200, failure -> 400, revoked -> 410.
// Anything else (including a task aged out of retention) -> 404.
func (s TaskStatus) HTTPStatus() int {
	switch s {
	case StatusPending, StatusStarted:
		return http.StatusCreated
	case StatusSuccess:
		return http.StatusOK
	case StatusFailure:
		return http.StatusBadRequest
	case StatusRevoked:
		return http.StatusGone
	default:
		return http.StatusNotFound
	}
}
