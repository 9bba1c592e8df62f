package que

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danubecloud/que/core"
	"github.com/danubecloud/que/lock"
	"github.com/danubecloud/que/registry"
	"github.com/danubecloud/que/resilience"
	"github.com/danubecloud/que/telemetry"
)

// DefaultCallbackName is the generic result-logging callback attached to
// worker-bound submissions that declare no callback of their own. It makes
// "every accepted operation ends in exactly one log entry" hold without
// each call site wiring it up.
const DefaultCallbackName = "task_log_cb"

const userCallbackPrefix = "usercallback:"

// ClientConfig configures the submission client.
type ClientConfig struct {
	// PingTimeout bounds one liveness probe of the target queue.
	PingTimeout time.Duration

	// PingAttempts is how many probes run before concluding no worker is
	// alive. A single pub/sub round trip can drop under load; refusing a
	// submission over one lost probe would be too eager.
	PingAttempts int

	// DefaultLockTimeout is applied to lock acquisitions that specify no
	// timeout. Acquiring without any timeout is logged as an anomaly.
	DefaultLockTimeout time.Duration

	// ExpiringMaxAttempts bounds SubmitForever retries for tasks that
	// carry a hard expiry.
	ExpiringMaxAttempts int

	// PingSkipAfter is the failed-attempt count after which a draining
	// client stops requiring a ping reply. During shutdown workers
	// unsubscribe from the control channels before the queues empty, so
	// insisting on a reply would wedge final bookkeeping submissions.
	PingSkipAfter int

	// Retry shapes the SubmitForever backoff.
	Retry *resilience.RetryConfig

	// Poll shapes the wait-for-lock-release loop.
	Poll *resilience.PollConfig

	// UserCallbackTTL bounds how long a registered remote-callback URL is
	// kept. Defaults to the result retention period.
	UserCallbackTTL time.Duration

	Logger core.Logger
}

// DefaultClientConfig returns the default client settings.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		PingTimeout:         2 * time.Second,
		PingAttempts:        3,
		DefaultLockTimeout:  time.Hour,
		ExpiringMaxAttempts: 10,
		PingSkipAfter:       3,
		Retry: &resilience.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2.0,
			JitterEnabled: true,
		},
		Poll:            resilience.DefaultPollConfig(),
		UserCallbackTTL: 7 * 24 * time.Hour,
	}
}

// Client submits tasks to the worker fleet. It owns the submission-side
// half of the coordination protocol: liveness preflight, lock acquisition,
// result creation, registry bookkeeping and the enqueue itself, with
// rollback of the earlier steps when a later one fails.
type Client struct {
	deps   Deps
	config *ClientConfig
	logger core.Logger

	mu     sync.Mutex
	queues map[string]*Queue

	draining atomic.Bool
}

// NewClient creates a submission client. A nil config uses defaults.
func NewClient(deps Deps, config *ClientConfig) (*Client, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("que client: %w", err)
	}
	if config == nil {
		config = DefaultClientConfig()
	}
	def := DefaultClientConfig()
	if config.PingTimeout <= 0 {
		config.PingTimeout = def.PingTimeout
	}
	if config.PingAttempts <= 0 {
		config.PingAttempts = def.PingAttempts
	}
	if config.DefaultLockTimeout <= 0 {
		config.DefaultLockTimeout = def.DefaultLockTimeout
	}
	if config.ExpiringMaxAttempts <= 0 {
		config.ExpiringMaxAttempts = def.ExpiringMaxAttempts
	}
	if config.PingSkipAfter <= 0 {
		config.PingSkipAfter = def.PingSkipAfter
	}
	if config.Retry == nil {
		config.Retry = def.Retry
	}
	if config.Poll == nil {
		config.Poll = def.Poll
	}
	if config.UserCallbackTTL <= 0 {
		config.UserCallbackTTL = def.UserCallbackTTL
	}

	logger := config.Logger
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("que/client")
	}
	return &Client{
		deps:   deps,
		config: config,
		logger: logger,
		queues: make(map[string]*Queue),
	}, nil
}

// BeginShutdown switches the client into draining mode. Draining only
// affects SubmitForever's ping fallback; plain Submit is unchanged.
func (c *Client) BeginShutdown() {
	c.draining.Store(true)
}

func (c *Client) queue(name string) *Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[name]
	if !ok {
		q = NewQueue(c.deps.Redis, name, nil, c.config.Logger)
		c.queues[name] = q
	}
	return q
}

// SubmitOptions describes one task submission.
type SubmitOptions struct {
	// Queue is the target queue name. Required.
	Queue string

	// Name is the registered handler name. Required.
	Name string

	// Args are the handler arguments.
	Args map[string]interface{}

	// Callback chains a follow-up task after this one. When nil and
	// SkipCallback is false, the generic log callback is attached.
	Callback     *CallbackSpec
	SkipCallback bool

	// LockKey serializes this operation against concurrent submissions of
	// the same operation. Empty means no locking.
	LockKey string

	// LockTimeout bounds the lock's lifetime. Zero falls back to the
	// client default (and is logged).
	LockTimeout time.Duration

	// WaitForRelease, when positive, polls for a held lock to free up for
	// at most this long instead of failing immediately.
	WaitForRelease time.Duration

	// IdempotentLock treats a held lock as success: the holder's task id
	// is returned instead of ErrLockHeld, so callers observe the already
	// running operation.
	IdempotentLock bool

	// SkipRegistration leaves the task out of the pending-task registry.
	// Internal tasks invisible to users set this.
	SkipRegistration bool

	// SkipPing submits without probing for live workers.
	SkipPing bool

	// View and Text describe the operation for the registry entry and the
	// eventual log entry.
	View string
	Text string

	// Object attribution, carried into the log entry.
	ObjectType  string
	ObjectPK    string
	ObjectName  string
	ObjectAlias string

	// Action is the HTTP-verb-like tag selecting rollback on failure.
	Action string

	// Username of the submitting user.
	Username string

	// ExpiresIn drops the message unprocessed once elapsed. Zero means no
	// expiry.
	ExpiresIn time.Duration
}

// Submit places one task on its queue, running the full accept protocol:
// worker liveness preflight, lock acquisition, result creation, registry
// entry, enqueue. Every step that fails rolls back the ones before it, so
// a submission either becomes a trackable pending task or leaves no trace.
//
// It returns the accepted task id. Under IdempotentLock a held lock returns
// the current holder's id with a nil error.
func (c *Client) Submit(ctx context.Context, id core.TaskID, opts SubmitOptions) (string, error) {
	start := time.Now()
	taskID := id.String()

	if opts.Queue == "" || opts.Name == "" {
		return "", fmt.Errorf("%w: submit of %s needs queue and name", core.ErrMissingConfiguration, taskID)
	}
	if core.IsDummy(taskID) {
		return "", fmt.Errorf("%w: dummy task %s cannot be queued", core.ErrInvalidConfiguration, taskID)
	}

	if !opts.SkipPing {
		workers, err := c.PingQueue(ctx, opts.Queue)
		if err != nil {
			return "", err
		}
		if len(workers) == 0 {
			return "", &core.CoordinationError{
				Op:      "submit",
				Kind:    "queue",
				TaskID:  taskID,
				Message: "no worker answered on queue " + opts.Queue,
				Err:     core.ErrNoWorkers,
			}
		}
	}

	var lk *lock.Lock
	if opts.LockKey != "" {
		lk = lock.New(c.deps.Store, opts.LockKey, &lock.Config{
			DefaultTTL: c.config.DefaultLockTimeout,
			Poll:       c.config.Poll,
			Logger:     c.config.Logger,
		})
		ttl := opts.LockTimeout
		if ttl <= 0 && c.logger != nil {
			c.logger.WarnWithContext(ctx, "Lock acquisition without explicit timeout", map[string]interface{}{
				"task_id":  taskID,
				"lock_key": opts.LockKey,
			})
		}
		if opts.WaitForRelease > 0 {
			if err := lk.WaitAcquire(ctx, taskID, ttl, opts.WaitForRelease); err != nil {
				return c.lockRefused(ctx, lk, taskID, opts, err)
			}
		} else {
			acquired, err := lk.Acquire(ctx, taskID, ttl)
			if err != nil {
				return "", err
			}
			if !acquired {
				return c.lockRefused(ctx, lk, taskID, opts, core.ErrLockHeld)
			}
		}
	}

	msg := &Message{
		TaskID:      taskID,
		Queue:       opts.Queue,
		Name:        opts.Name,
		Args:        opts.Args,
		Callback:    opts.Callback,
		LockKey:     opts.LockKey,
		LockValue:   taskID,
		Registered:  !opts.SkipRegistration,
		View:        opts.View,
		Text:        opts.Text,
		ObjectType:  opts.ObjectType,
		ObjectPK:    opts.ObjectPK,
		ObjectName:  opts.ObjectName,
		ObjectAlias: opts.ObjectAlias,
		Action:      opts.Action,
		Username:    opts.Username,
		CreatedAt:   time.Now().UTC(),
	}
	if msg.Callback == nil && !opts.SkipCallback {
		msg.Callback = &CallbackSpec{Name: DefaultCallbackName}
	}
	if opts.ExpiresIn > 0 {
		expiresAt := msg.CreatedAt.Add(opts.ExpiresIn)
		msg.ExpiresAt = &expiresAt
	}

	if err := c.deps.Results.Create(ctx, &Result{
		TaskID: taskID,
		Queue:  opts.Queue,
		Name:   opts.Name,
	}); err != nil {
		c.releaseLock(ctx, lk, taskID)
		return "", err
	}

	if !opts.SkipRegistration {
		if err := c.deps.Registry.Register(ctx, taskID, registry.Entry{
			View:    opts.View,
			Message: opts.Text,
		}); err != nil {
			c.rollbackSubmit(ctx, lk, taskID, false)
			return "", err
		}
	}

	if err := c.queue(opts.Queue).Enqueue(ctx, msg); err != nil {
		c.rollbackSubmit(ctx, lk, taskID, !opts.SkipRegistration)
		return "", err
	}

	telemetry.Counter("que.submit", "queue", opts.Queue)
	telemetry.Duration("que.submit.duration", start, "queue", opts.Queue)
	if c.logger != nil {
		c.logger.InfoWithContext(ctx, "Task submitted", map[string]interface{}{
			"task_id": taskID,
			"queue":   opts.Queue,
			"name":    opts.Name,
		})
	}
	return taskID, nil
}

// lockRefused maps a failed acquisition to the caller-visible outcome.
func (c *Client) lockRefused(ctx context.Context, lk *lock.Lock, taskID string, opts SubmitOptions, cause error) (string, error) {
	holder, peekErr := lk.Peek(ctx)
	if opts.IdempotentLock && peekErr == nil && holder != "" {
		if c.logger != nil {
			c.logger.InfoWithContext(ctx, "Lock held, returning running task", map[string]interface{}{
				"task_id":  taskID,
				"lock_key": lk.Key(),
				"holder":   holder,
			})
		}
		telemetry.Counter("que.submit.idempotent_hit", "queue", opts.Queue)
		return holder, nil
	}
	if errors.Is(cause, core.ErrTimeout) {
		cause = core.ErrLockHeld
	}
	// Name the running task so the caller can point the user at it.
	message := "operation already running on " + lk.Key()
	if peekErr == nil && holder != "" {
		message = "operation " + holder + " already running on " + lk.Key()
	}
	return "", &core.CoordinationError{
		Op:      "submit",
		Kind:    "lock",
		TaskID:  taskID,
		Message: message,
		Err:     cause,
	}
}

func (c *Client) releaseLock(ctx context.Context, lk *lock.Lock, taskID string) {
	if lk == nil {
		return
	}
	if _, err := lk.Release(ctx, lock.ReleaseOptions{ExpectedValue: taskID, Premature: true}); err != nil && c.logger != nil {
		c.logger.ErrorWithContext(ctx, "Failed to release lock after aborted submit", map[string]interface{}{
			"task_id":  taskID,
			"lock_key": lk.Key(),
			"error":    err.Error(),
		})
	}
}

// rollbackSubmit undoes the accept steps after a later one failed.
func (c *Client) rollbackSubmit(ctx context.Context, lk *lock.Lock, taskID string, registered bool) {
	if registered {
		if _, err := c.deps.Registry.Unregister(ctx, taskID); err != nil && c.logger != nil {
			c.logger.WarnWithContext(ctx, "Rollback unregister failed", map[string]interface{}{
				"task_id": taskID,
				"error":   err.Error(),
			})
		}
	}
	if err := c.deps.Results.Delete(ctx, taskID); err != nil && c.logger != nil {
		c.logger.WarnWithContext(ctx, "Rollback result delete failed", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
	}
	c.releaseLock(ctx, lk, taskID)
}

// SubmitForever submits a task that must not be dropped. Transient
// submission failures are retried with backoff: indefinitely for tasks
// without expiry, with bounded attempts for tasks carrying one. While the
// client is draining, repeated ping failures switch the attempt to
// SkipPing, because a task submitted during shutdown must outlive the
// worker fleet that would have answered the ping.
func (c *Client) SubmitForever(ctx context.Context, id core.TaskID, opts SubmitOptions) (string, error) {
	var resultID string
	var permanent error

	attemptsSeen := 0
	fn := func() error {
		attemptsSeen++
		if c.draining.Load() && attemptsSeen > c.config.PingSkipAfter {
			opts.SkipPing = true
		}
		tid, err := c.Submit(ctx, id, opts)
		if err == nil {
			resultID = tid
			return nil
		}
		if !core.IsRetryable(err) {
			permanent = err
			return nil
		}
		return err
	}

	var err error
	if opts.ExpiresIn > 0 {
		retry := *c.config.Retry
		retry.MaxAttempts = c.config.ExpiringMaxAttempts
		err = resilience.Retry(ctx, &retry, fn)
	} else {
		err = resilience.RetryForever(ctx, c.config.Retry, fn, func(attempt int, attemptErr error) {
			if c.logger != nil {
				c.logger.WarnWithContext(ctx, "Retrying task submission", map[string]interface{}{
					"task_id": id.String(),
					"attempt": attempt,
					"error":   attemptErr.Error(),
				})
			}
		})
	}
	if err != nil {
		return "", err
	}
	if permanent != nil {
		return "", permanent
	}
	return resultID, nil
}

// PingQueue probes a queue and returns the workers that answered. The probe
// repeats up to PingAttempts times before reporting an empty queue.
func (c *Client) PingQueue(ctx context.Context, queue string) ([]WorkerInfo, error) {
	var workers []WorkerInfo
	var err error
	for attempt := 1; attempt <= c.config.PingAttempts; attempt++ {
		workers, err = Ping(ctx, c.deps.Redis, queue, c.config.PingTimeout)
		if err != nil || len(workers) > 0 {
			return workers, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < c.config.PingAttempts && c.logger != nil {
			c.logger.DebugWithContext(ctx, "Ping unanswered, retrying", map[string]interface{}{
				"queue":   queue,
				"attempt": attempt,
			})
		}
	}
	return workers, nil
}

// Result returns the stored result of a task id.
func (c *Client) Result(ctx context.Context, taskID string) (*Result, error) {
	return c.deps.Results.Get(ctx, taskID)
}

// FollowCallback walks the result's callback chain to the final outcome.
func (c *Client) FollowCallback(ctx context.Context, taskID string) (*Result, error) {
	return c.deps.Results.FollowCallback(ctx, taskID)
}

// QueueLengths reports the depth of the given queues.
func (c *Client) QueueLengths(ctx context.Context, names []string) map[string]int64 {
	return QueueLengths(ctx, c.deps.Redis, names)
}

// RegisterUserCallback stores a remote-callback URL for a task id. When the
// task reaches a terminal state, the worker's cleanup step enqueues an HTTP
// callback to it through the notifier boundary.
func (c *Client) RegisterUserCallback(ctx context.Context, taskID, url string) error {
	return c.deps.Store.Set(ctx, userCallbackPrefix+taskID, url, c.config.UserCallbackTTL)
}

// UserCallback returns the remote-callback URL registered for a task id,
// or "" when none is.
func UserCallback(ctx context.Context, store core.CoordinationStore, taskID string) string {
	url, err := store.Get(ctx, userCallbackPrefix+taskID)
	if err != nil {
		return ""
	}
	return url
}

// Cancel requests revocation of a task. Tasks that already reached a
// terminal state are refused with ErrNotRevocable; tasks linked into a
// callback chain are refused with ErrTaskChained unless force is set,
// because revoking a link mid-chain strands the bookkeeping of the rest.
//
// Queued tasks are revoked immediately: the result flips to revoked and the
// cleanup protocol runs here. Running tasks are revoked by the worker that
// owns them, via the cancel broadcast.
func (c *Client) Cancel(ctx context.Context, taskID string, force bool) error {
	res, err := c.deps.Results.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if res.Status.IsTerminal() {
		return &core.CoordinationError{
			Op:      "cancel",
			Kind:    "result",
			TaskID:  taskID,
			Message: "task already " + string(res.Status),
			Err:     core.ErrNotRevocable,
		}
	}
	if !force && (res.Caller != "" || res.Callback != "") {
		return &core.CoordinationError{
			Op:      "cancel",
			Kind:    "result",
			TaskID:  taskID,
			Message: "task is part of a callback chain",
			Err:     core.ErrTaskChained,
		}
	}

	if res.Status == core.StatusPending {
		// Not picked up by any worker yet. Flip the result here; the
		// worker discards the queued message when it surfaces.
		if _, err := c.deps.Results.Finish(ctx, taskID, core.StatusRevoked, nil, "revoked before execution"); err != nil {
			return err
		}
		c.emergencyCleanup(ctx, taskID)
		telemetry.Counter("que.cancel", "stage", "queued")
		return nil
	}

	n, err := publishCancel(ctx, c.deps.Redis, taskID, force)
	if err != nil {
		return err
	}
	if n == 0 && c.logger != nil {
		c.logger.WarnWithContext(ctx, "Cancel broadcast reached no workers", map[string]interface{}{
			"task_id": taskID,
		})
	}
	telemetry.Counter("que.cancel", "stage", "running")
	return nil
}

// emergencyCleanup runs the revoked-task bookkeeping from the client side.
func (c *Client) emergencyCleanup(ctx context.Context, taskID string) {
	j := &janitor{
		store:    c.deps.Store,
		registry: c.deps.Registry,
		taskLog:  c.deps.TaskLog,
		notifier: c.deps.Notifier,
		logger:   c.config.Logger,
	}
	if err := j.emergencyLog(ctx, taskID, core.StatusRevoked, "task revoked"); err != nil && c.logger != nil {
		c.logger.ErrorWithContext(ctx, "Emergency cleanup failed", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
	}
}

// marshalPayload encodes a handler return value for storage, tolerating
// values that fail to encode.
func marshalPayload(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return data
}
