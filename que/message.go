// Package que implements the distributed task coordination layer: named
// worker queues over the shared Redis instance, the submission client with
// its lock and registry bookkeeping, the worker pool, and the callback
// protocol that chains result post-processing back to the management node.
package que

import (
	"encoding/json"
	"time"
)

// Queue names are an external contract with the worker deployment: fast,
// slow, backup and image workers run on compute nodes; mgmt runs centrally.
const (
	QueueFast   = "fast"
	QueueSlow   = "slow"
	QueueMgmt   = "mgmt"
	QueueBackup = "backup"
	QueueImage  = "image"
)

// Action tags carried in task metadata, keyed to the HTTP verb of the API
// call that spawned the task. The rollback helper dispatch and the log flag
// derivation both key on them.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// CallbackSpec names the follow-up unit of work a remote operation triggers
// after completing. This is the serialization contract between submission
// and execution: a registered handler name plus the extra arguments the
// worker needs to invoke it.
type CallbackSpec struct {
	// Name is the registered handler name, e.g. "vm_snapshot_cb".
	Name string `json:"name"`

	// Kwargs are merged into the callback message's arguments.
	Kwargs map[string]interface{} `json:"kwargs,omitempty"`

	// ExpiresIn overrides the callback task's expiry, when positive.
	ExpiresIn time.Duration `json:"expires_in,omitempty"`
}

// Message is the task envelope shipped through a named queue.
type Message struct {
	// TaskID is the encoded task identifier addressing this unit of work.
	TaskID string `json:"task_id"`

	// Queue is the named queue the message was submitted to.
	Queue string `json:"queue"`

	// Name is the registered handler that executes this task.
	Name string `json:"name"`

	// Args are the handler arguments.
	Args map[string]interface{} `json:"args,omitempty"`

	// Callback, when set, chains a follow-up task after this one finishes.
	Callback *CallbackSpec `json:"callback,omitempty"`

	// Caller is the task id that triggered this message. Non-empty exactly
	// on callback tasks.
	Caller string `json:"caller,omitempty"`

	// LockKey is the distributed lock serializing this operation, if any.
	// LockValue is the task id that acquired it; it is propagated unchanged
	// through a callback chain so the final link can release the lock.
	LockKey   string `json:"lock_key,omitempty"`
	LockValue string `json:"lock_value,omitempty"`

	// Registered records that the submission path wrote a pending-registry
	// entry the worker must wait for before executing.
	Registered bool `json:"registered,omitempty"`

	// View is the API view name the task was submitted from.
	View string `json:"view,omitempty"`

	// Text is the human-readable description of the operation. Task log
	// classification derives the create/update/delete flag from its
	// leading words.
	Text string `json:"msg,omitempty"`

	// Object attribution for log entries and cleanup.
	ObjectType  string `json:"object_type,omitempty"`
	ObjectPK    string `json:"object_pk,omitempty"`
	ObjectName  string `json:"object_name,omitempty"`
	ObjectAlias string `json:"object_alias,omitempty"`

	// Action is the HTTP-verb-like tag selecting the rollback helper on a
	// failed callback.
	Action string `json:"action,omitempty"`

	// Username of the submitting user, carried for log attribution.
	Username string `json:"username,omitempty"`

	// ExpiresAt drops the message unprocessed once passed.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// CreatedAt is when the message was submitted.
	CreatedAt time.Time `json:"created_at"`

	// Trace context preserved across the queue boundary.
	TraceID      string `json:"trace_id,omitempty"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// IsCallback reports whether the message is a callback task.
func (m *Message) IsCallback() bool {
	return m.Caller != ""
}

// Expired reports whether the message aged past its expiry.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// ExecError is the uniform task exception for remote execution failures.
// It carries the original result payload plus a human-readable message, so
// the failure log entry preserves what the worker actually returned.
type ExecError struct {
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	return e.Message
}

// AsExecError wraps err into an ExecError unless it already is one.
func AsExecError(err error) *ExecError {
	if ee, ok := err.(*ExecError); ok {
		return ee
	}
	return &ExecError{Message: err.Error()}
}
