package core

import (
	"context"
	"time"
)

// Logger interface - minimal structured logging interface.
// Context-aware variants let implementations attach trace/correlation data.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger is an optional extension that scopes log output
// to a named component (e.g. "que/lock", "que/worker").
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// CoordinationStore is the shared key/value store behind locks, the pending-task
// registry and the recent-log cache. All operations are single-key and atomic;
// invariants spanning multiple keys are maintained by call ordering, not by the
// store. Implementations: RedisStore (production), MemoryStore (tests, embeds).
type CoordinationStore interface {
	// Plain key/value
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	// CompareAndDelete deletes key only while it still holds expected.
	// Returns false without deleting on mismatch or missing key.
	CompareAndDelete(ctx context.Context, key string, expected string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Persist strips the TTL from a key so it lives until explicitly deleted.
	Persist(ctx context.Context, key string) error

	// Hash (per-user pending task records)
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HKeys(ctx context.Context, key string) ([]string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Set (global pending-task membership)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// List (bounded recent-history caches)
	LPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// TaskLoggable is the narrow interface domain objects implement so the
// coordination core can attribute and clean up their tasks. The core never
// reaches into domain state beyond these accessors.
type TaskLoggable interface {
	// ObjectType is a short stable type tag, e.g. "vm", "image", "node".
	ObjectType() string
	// ObjectPK is the durable primary key of the object.
	ObjectPK() string
	// ObjectName is the human-visible name used in task log entries.
	ObjectName() string
	// ObjectAlias is a secondary display name; may equal ObjectName.
	ObjectAlias() string
	// OwnerID is the account the object's tasks are attributed to.
	OwnerID() int
	// ClearPendingTask removes the given task id from the object's own
	// pending-task bookkeeping. Called exactly once at terminal state.
	ClearPendingTask(ctx context.Context, taskID string) error
}

// Rollbacker is implemented by domain objects that stage speculative state
// before a remote operation. The worker invokes the method matching the
// action tag of a failed callback. All three are best-effort: errors are
// logged by the caller, never raised over the original failure.
type Rollbacker interface {
	// RollbackCreate deletes the speculatively-created record.
	RollbackCreate(ctx context.Context) error
	// RollbackUpdate restores field values staged before the remote call.
	RollbackUpdate(ctx context.Context) error
	// RollbackDelete reverts the record's status flag to its pre-deletion value.
	RollbackDelete(ctx context.Context) error
}

// Notifier receives terminal task events for fan-out (user push channels,
// webhook relays). The core only calls into it; delivery is out of scope.
type Notifier interface {
	TaskFinished(ctx context.Context, taskID string, status TaskStatus, detail map[string]interface{})
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

// NoOpNotifier drops all task events.
type NoOpNotifier struct{}

func (n *NoOpNotifier) TaskFinished(ctx context.Context, taskID string, status TaskStatus, detail map[string]interface{}) {
}
