// Package lock provides the key/value mutual-exclusion primitive that
// serializes operations on the same target object.
//
// A lock is a single key in the coordination store holding the task
// identifier of its owner. Acquisition is an atomic set-if-not-exists with
// expiry; release is conditional on the caller still being the holder. A
// best-effort reverse index (value -> key) lets cleanup code discover which
// lock a task holds without knowing the key, e.g. when force-revoking it.
// Losing the reverse index degrades a diagnostic convenience only, so its
// writes and deletes never fail the primary operation.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danubecloud/que/core"
	"github.com/danubecloud/que/resilience"
)

const (
	keyPrefix     = "lock:"
	reversePrefix = "lock-for:"
)

// Config configures a Lock.
type Config struct {
	// DefaultTTL is applied when Acquire is called without a timeout.
	// Default: 1h.
	DefaultTTL time.Duration

	// DisableReverseIndex skips maintaining the value -> key index.
	DisableReverseIndex bool

	// Poll configures WaitAcquire's bounded retry loop.
	Poll *resilience.PollConfig

	// Logger is an optional logger for lock operations.
	Logger core.Logger
}

// Lock serializes access to one application-defined key,
// typically "<task_name>:<object_identifier>".
type Lock struct {
	store  core.CoordinationStore
	key    string
	config Config
	logger core.Logger
}

// New creates a lock handle for key. No store access happens until the
// first operation.
func New(store core.CoordinationStore, key string, config *Config) *Lock {
	if config == nil {
		config = &Config{}
	}

	// Apply defaults for unset values
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}

	l := &Lock{
		store:  store,
		key:    key,
		config: *config,
		logger: config.Logger,
	}

	if l.logger != nil {
		if cal, ok := l.logger.(core.ComponentAwareLogger); ok {
			l.logger = cal.WithComponent("que/lock")
		}
	}

	return l
}

// Key returns the application-defined lock key.
func (l *Lock) Key() string {
	return l.key
}

func (l *Lock) storeKey() string {
	return keyPrefix + l.key
}

func reverseKey(value string) string {
	return reversePrefix + value
}

// Acquire attempts an atomic test-and-set of the lock for value with the
// given expiry. A false return is the normal "someone else is in progress"
// outcome, not an error. A zero ttl is tolerated but logged as an anomaly
// and replaced with the configured default.
func (l *Lock) Acquire(ctx context.Context, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		if l.logger != nil {
			l.logger.WarnWithContext(ctx, "Lock acquired without timeout", map[string]interface{}{
				"lock_key":    l.key,
				"default_ttl": l.config.DefaultTTL.String(),
			})
		}
		ttl = l.config.DefaultTTL
	}

	ok, err := l.store.SetNX(ctx, l.storeKey(), value, ttl)
	if err != nil {
		return false, fmt.Errorf("lock.Acquire %s: %w", l.key, err)
	}
	if !ok {
		return false, nil
	}

	if !l.config.DisableReverseIndex {
		// Best-effort: a missing reverse entry only weakens revocation
		// cleanup, never lock correctness.
		if err := l.store.Set(ctx, reverseKey(value), l.key, ttl); err != nil && l.logger != nil {
			l.logger.WarnWithContext(ctx, "Failed to write lock reverse index", map[string]interface{}{
				"lock_key": l.key,
				"value":    value,
				"error":    err.Error(),
			})
		}
	}

	if l.logger != nil {
		l.logger.DebugWithContext(ctx, "Lock acquired", map[string]interface{}{
			"lock_key": l.key,
			"value":    value,
			"ttl":      ttl.String(),
		})
	}

	return true, nil
}

// WaitAcquire polls Acquire with exponential backoff until it succeeds or
// maxWait elapses. There is no fairness among waiters. Returns
// core.ErrLockHeld when the bound elapses with the lock still taken.
func (l *Lock) WaitAcquire(ctx context.Context, value string, ttl, maxWait time.Duration) error {
	poll := l.config.Poll
	if poll == nil {
		poll = resilience.DefaultPollConfig()
	}
	bounded := *poll
	bounded.MaxWait = maxWait

	err := resilience.WaitFor(ctx, &bounded, func(ctx context.Context) (bool, error) {
		return l.Acquire(ctx, value, ttl)
	})
	if errors.Is(err, core.ErrTimeout) {
		return fmt.Errorf("lock %s: %w", l.key, core.ErrLockHeld)
	}
	return err
}

// ReleaseOptions configures Release.
type ReleaseOptions struct {
	// ExpectedValue, when non-empty, refuses to delete the lock unless it
	// still holds this value. Guards against releasing a lock that was
	// re-acquired by someone else after ours expired.
	ExpectedValue string

	// KeepReverse skips deleting the reverse index entry.
	KeepReverse bool

	// Premature marks the release as an abort of work that never ran
	// (e.g. submission failed after acquiring). Only the log severity
	// differs from a normal release.
	Premature bool
}

// Release deletes the lock. Returns false when the lock was absent or held
// by someone else (with ExpectedValue set).
func (l *Lock) Release(ctx context.Context, opts ReleaseOptions) (bool, error) {
	var deleted bool
	var err error

	holder := opts.ExpectedValue
	if holder != "" {
		deleted, err = l.store.CompareAndDelete(ctx, l.storeKey(), holder)
	} else {
		// Unconditional release: read the holder first so the reverse
		// entry can be cleaned up too.
		holder, _ = l.Peek(ctx)
		deleted, err = l.store.Delete(ctx, l.storeKey())
	}
	if err != nil {
		return false, fmt.Errorf("lock.Release %s: %w", l.key, err)
	}

	if deleted && !opts.KeepReverse && holder != "" {
		if _, err := l.store.Delete(ctx, reverseKey(holder)); err != nil && l.logger != nil {
			l.logger.WarnWithContext(ctx, "Failed to delete lock reverse index", map[string]interface{}{
				"lock_key": l.key,
				"error":    err.Error(),
			})
		}
	}

	if l.logger != nil {
		fields := map[string]interface{}{
			"lock_key": l.key,
			"deleted":  deleted,
		}
		if opts.Premature {
			l.logger.WarnWithContext(ctx, "Lock released prematurely", fields)
		} else {
			l.logger.DebugWithContext(ctx, "Lock released", fields)
		}
	}

	return deleted, nil
}

// ConfirmOrFail is called by a worker immediately after accepting a locked
// task. If the lock expired before the worker could start, it returns a
// lock error that must abort the task before any side effect. Otherwise the
// TTL is stripped so the lock persists for the task's natural lifetime.
func (l *Lock) ConfirmOrFail(ctx context.Context, value, errorMessage string) error {
	exists, err := l.store.Exists(ctx, l.storeKey())
	if err != nil {
		return fmt.Errorf("lock.ConfirmOrFail %s: %w", l.key, err)
	}
	if !exists {
		return &core.CoordinationError{
			Op:      "lock.ConfirmOrFail",
			Kind:    "lock",
			Message: errorMessage,
			Err:     core.ErrLockVanished,
		}
	}

	if err := l.store.Persist(ctx, l.storeKey()); err != nil {
		return fmt.Errorf("lock.ConfirmOrFail %s: %w", l.key, err)
	}
	if !l.config.DisableReverseIndex {
		if err := l.store.Persist(ctx, reverseKey(value)); err != nil && l.logger != nil {
			l.logger.WarnWithContext(ctx, "Failed to persist lock reverse index", map[string]interface{}{
				"lock_key": l.key,
				"error":    err.Error(),
			})
		}
	}

	return nil
}

// Exists reports whether the lock key is currently set.
func (l *Lock) Exists(ctx context.Context) (bool, error) {
	return l.store.Exists(ctx, l.storeKey())
}

// Peek returns the current holder value, or "" when the lock is free.
func (l *Lock) Peek(ctx context.Context) (string, error) {
	val, err := l.store.Get(ctx, l.storeKey())
	if errors.Is(err, core.ErrKeyNotFound) {
		return "", nil
	}
	return val, err
}

// FindKeyByValue looks up which lock key (if any) the given value holds,
// via the reverse index. Best-effort: any error reads as "no lock found"
// and is logged, because callers sit on cleanup paths that must not fail.
func FindKeyByValue(ctx context.Context, store core.CoordinationStore, value string, logger core.Logger) string {
	key, err := store.Get(ctx, reverseKey(value))
	if err != nil {
		if !errors.Is(err, core.ErrKeyNotFound) && logger != nil {
			logger.WarnWithContext(ctx, "Lock reverse lookup failed", map[string]interface{}{
				"value": value,
				"error": err.Error(),
			})
		}
		return ""
	}
	return key
}
