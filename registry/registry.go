// Package registry tracks the set of task identifiers currently understood
// to be in flight, per user and globally.
//
// The registry is a best-effort "currently running" view backed by the
// volatile coordination store, used for live task lists and double-submission
// prevention. It is not a source of truth: the durable task log is
// authoritative for history, and losing registry entries only degrades the
// live UI, never eventual logging.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/danubecloud/que/core"
	"github.com/danubecloud/que/resilience"
)

const (
	userKeyPrefix = "usertasks:"
	pendingSetKey = "usertasks:pending"
)

// Entry is the small record kept per pending task.
type Entry struct {
	// View is the API view name the task was submitted from.
	View string `json:"view"`

	// Message is the human-readable description shown in task lists
	// (also the input of the log flag classifier at terminal time).
	Message string `json:"msg"`

	// CreatedAt is when the task was accepted for execution.
	CreatedAt time.Time `json:"time"`
}

// StatusFunc reports the coordination-layer status of a task id. Used by
// Register to refuse tasks that already reached a terminal state.
// core.ErrTaskNotFound means "no result yet" and does not block registration.
type StatusFunc func(ctx context.Context, taskID string) (core.TaskStatus, error)

// Config configures the Registry.
type Config struct {
	// Status, if set, lets Register detect already-terminal tasks.
	Status StatusFunc

	// Poll configures Await's backoff loop.
	Poll *resilience.PollConfig

	// Logger is an optional logger for registry operations.
	Logger core.Logger
}

// Registry is the pending-task registry.
type Registry struct {
	store  core.CoordinationStore
	config Config
	logger core.Logger
}

// New creates a Registry over the given coordination store.
func New(store core.CoordinationStore, config *Config) *Registry {
	if config == nil {
		config = &Config{}
	}

	r := &Registry{
		store:  store,
		config: *config,
		logger: config.Logger,
	}

	if r.logger != nil {
		if cal, ok := r.logger.(core.ComponentAwareLogger); ok {
			r.logger = cal.WithComponent("que/registry")
		}
	}

	return r
}

func userKey(userID int) string {
	return userKeyPrefix + strconv.Itoa(userID)
}

// Register adds the task to the creator's hash and the global pending set.
// Registration must happen before the task completes: if the underlying
// result already reports a terminal state the task would otherwise finish
// untracked, so a registry error is returned instead.
func (r *Registry) Register(ctx context.Context, taskID string, entry Entry) error {
	if r.config.Status != nil {
		status, err := r.config.Status(ctx, taskID)
		if err != nil && !errors.Is(err, core.ErrTaskNotFound) {
			return fmt.Errorf("registry.Register %s: %w", taskID, err)
		}
		if err == nil && status.IsTerminal() {
			return &core.CoordinationError{
				Op:     "registry.Register",
				Kind:   "registry",
				TaskID: taskID,
				Err:    core.ErrTaskTerminal,
			}
		}
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("registry.Register %s: %w", taskID, err)
	}

	creator := core.ParseTaskID(taskID).CreatorID
	if err := r.store.HSet(ctx, userKey(creator), taskID, string(data)); err != nil {
		return fmt.Errorf("registry.Register %s: %w", taskID, err)
	}
	if err := r.store.SAdd(ctx, pendingSetKey, taskID); err != nil {
		return fmt.Errorf("registry.Register %s: %w", taskID, err)
	}

	if r.logger != nil {
		r.logger.DebugWithContext(ctx, "Task registered", map[string]interface{}{
			"task_id": taskID,
			"view":    entry.View,
		})
	}

	return nil
}

// Exists reports global pending-set membership.
func (r *Registry) Exists(ctx context.Context, taskID string) (bool, error) {
	return r.store.SIsMember(ctx, pendingSetKey, taskID)
}

// Get returns the registry entry for taskID.
// Returns core.ErrNotRegistered when absent.
func (r *Registry) Get(ctx context.Context, taskID string) (Entry, error) {
	creator := core.ParseTaskID(taskID).CreatorID
	raw, err := r.store.HGet(ctx, userKey(creator), taskID)
	if err != nil {
		if errors.Is(err, core.ErrKeyNotFound) {
			return Entry{}, core.ErrNotRegistered
		}
		return Entry{}, fmt.Errorf("registry.Get %s: %w", taskID, err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, fmt.Errorf("registry.Get %s: %w", taskID, err)
	}
	return entry, nil
}

// Await blocks until the task shows up in the registry, polling with
// exponential backoff, or grace elapses. Workers call this right after
// accepting a task: the submission path may still be writing the registry
// entry when execution starts. A timeout indicates a lost submission and
// surfaces as a registry error.
func (r *Registry) Await(ctx context.Context, taskID string, grace time.Duration) error {
	poll := r.config.Poll
	if poll == nil {
		poll = resilience.DefaultPollConfig()
	}
	bounded := *poll
	bounded.MaxWait = grace

	err := resilience.WaitFor(ctx, &bounded, func(ctx context.Context) (bool, error) {
		return r.Exists(ctx, taskID)
	})
	if errors.Is(err, core.ErrTimeout) {
		return &core.CoordinationError{
			Op:     "registry.Await",
			Kind:   "registry",
			TaskID: taskID,
			Err:    core.ErrNotRegistered,
		}
	}
	return err
}

// Unregister removes the task from both structures. Idempotent: an absent
// entry returns false with a warning, never an error, because terminal
// cleanup can race with forced deletion.
func (r *Registry) Unregister(ctx context.Context, taskID string) (bool, error) {
	creator := core.ParseTaskID(taskID).CreatorID

	removed, err := r.store.HDel(ctx, userKey(creator), taskID)
	if err != nil {
		return false, fmt.Errorf("registry.Unregister %s: %w", taskID, err)
	}
	if _, err := r.store.SRem(ctx, pendingSetKey, taskID); err != nil {
		return false, fmt.Errorf("registry.Unregister %s: %w", taskID, err)
	}

	if removed == 0 {
		if r.logger != nil {
			r.logger.WarnWithContext(ctx, "Unregister of unknown task", map[string]interface{}{
				"task_id": taskID,
			})
		}
		return false, nil
	}

	if r.logger != nil {
		r.logger.DebugWithContext(ctx, "Task unregistered", map[string]interface{}{
			"task_id": taskID,
		})
	}

	return true, nil
}

// ListForUser returns the pending task ids visible to userID. Staff see the
// global pending set; everyone else sees only their own submissions.
// Callers apply further datacenter filtering via the id prefix.
func (r *Registry) ListForUser(ctx context.Context, userID int, staff bool) ([]string, error) {
	if staff {
		return r.store.SMembers(ctx, pendingSetKey)
	}
	return r.store.HKeys(ctx, userKey(userID))
}
