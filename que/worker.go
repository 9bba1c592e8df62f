package que

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/danubecloud/que/core"
	"github.com/danubecloud/que/lock"
	"github.com/danubecloud/que/resilience"
	"github.com/danubecloud/que/telemetry"
)

// Handler executes one unit of work. The returned value is JSON-encoded
// into the task's result payload.
type Handler func(ctx context.Context, hc *HandlerContext) (interface{}, error)

// HandlerContext is what a handler gets to work with.
type HandlerContext struct {
	// Msg is the full task envelope.
	Msg *Message

	// ID is the decoded task identifier.
	ID core.TaskID

	// Object is the resolved domain object, or nil when the message
	// carries no object reference or no resolver is configured.
	Object core.TaskLoggable
}

// ObjectResolver loads the domain object a message refers to. Workers use
// it for log attribution, pending-task cleanup and rollback dispatch.
type ObjectResolver func(ctx context.Context, objectType, objectPK string) (core.TaskLoggable, error)

// WorkerConfig configures a worker pool.
type WorkerConfig struct {
	// ID identifies this worker in ping replies and result records.
	// Defaults to a random id.
	ID string

	// Queues this pool consumes. Defaults to all named queues.
	Queues []string

	// Concurrency is the consumer goroutine count per queue.
	Concurrency int

	// TaskTimeout bounds one handler execution.
	TaskTimeout time.Duration

	// RegistrationGrace bounds the wait for a freshly accepted task to
	// appear in the pending registry before executing it.
	RegistrationGrace time.Duration

	// ParentWaitTimeout bounds a callback's wait for its parent task to
	// reach a terminal state. On timeout the callback proceeds anyway.
	ParentWaitTimeout time.Duration

	// ShutdownTimeout bounds the drain of in-flight tasks on Stop.
	ShutdownTimeout time.Duration

	// Resolver loads domain objects referenced by messages. Optional.
	Resolver ObjectResolver

	// Queue shapes the dequeue transport.
	Queue *QueueConfig

	// Poll shapes the bounded wait loops.
	Poll *resilience.PollConfig

	Logger core.Logger
}

// DefaultWorkerConfig returns the default worker settings.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Queues:            []string{QueueFast, QueueSlow, QueueMgmt, QueueBackup, QueueImage},
		Concurrency:       4,
		TaskTimeout:       time.Hour,
		RegistrationGrace: 30 * time.Second,
		ParentWaitTimeout: 30 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}

type runningTask struct {
	cancel  context.CancelFunc
	revoked atomic.Bool
}

// WorkerPool consumes the named queues and drives tasks through the
// execution lifecycle: revocation check, lock confirmation, registration
// wait, handler execution with panic containment, result write, and either
// callback chaining or terminal cleanup.
type WorkerPool struct {
	deps    Deps
	config  *WorkerConfig
	logger  core.Logger
	janitor *janitor

	mu       sync.RWMutex
	handlers map[string]Handler

	runMu   sync.Mutex
	running map[string]*runningTask

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started atomic.Bool
}

// NewWorkerPool creates a worker pool. A nil config uses defaults. The
// generic result-logging callback handler is pre-registered.
func NewWorkerPool(deps Deps, config *WorkerConfig) (*WorkerPool, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("que worker: %w", err)
	}
	if config == nil {
		config = DefaultWorkerConfig()
	}
	def := DefaultWorkerConfig()
	if config.ID == "" {
		config.ID = "worker-" + uuid.NewString()[:8]
	}
	if len(config.Queues) == 0 {
		config.Queues = def.Queues
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = def.TaskTimeout
	}
	if config.RegistrationGrace <= 0 {
		config.RegistrationGrace = def.RegistrationGrace
	}
	if config.ParentWaitTimeout <= 0 {
		config.ParentWaitTimeout = def.ParentWaitTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.Poll == nil {
		config.Poll = resilience.DefaultPollConfig()
	}

	logger := config.Logger
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("que/worker")
	}

	p := &WorkerPool{
		deps:   deps,
		config: config,
		logger: logger,
		janitor: &janitor{
			store:    deps.Store,
			registry: deps.Registry,
			taskLog:  deps.TaskLog,
			notifier: deps.Notifier,
			logger:   config.Logger,
		},
		handlers: make(map[string]Handler),
		running:  make(map[string]*runningTask),
	}
	p.Register(DefaultCallbackName, p.defaultLogCallback)
	return p, nil
}

// Register binds a handler name to its implementation. Messages naming an
// unregistered handler fail with a logged failure entry.
func (p *WorkerPool) Register(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

func (p *WorkerPool) handler(name string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[name]
	return h, ok
}

// defaultLogCallback is the business logic of the generic log callback. A
// successful operation passes the caller's payload through, so the chain's
// final result mirrors the operation's; a failed one re-raises it as the
// uniform execution error carrying the original payload, so the log entry
// and rollback dispatch see a failure. The logging itself happens in the
// shared terminal cleanup.
func (p *WorkerPool) defaultLogCallback(ctx context.Context, hc *HandlerContext) (interface{}, error) {
	status, _ := hc.Msg.Args["task_status"].(string)
	if core.TaskStatus(status) == core.StatusFailure {
		ee := &ExecError{Message: "remote execution failed"}
		if s, ok := hc.Msg.Args["error"].(string); ok && s != "" {
			ee.Message = s
		}
		if raw, ok := hc.Msg.Args["result"]; ok && raw != nil {
			ee.Result = marshalPayload(raw)
		}
		return nil, ee
	}
	if raw, ok := hc.Msg.Args["result"]; ok {
		return raw, nil
	}
	return nil, nil
}

// Start launches the consumer goroutines and the control-plane listener.
func (p *WorkerPool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("worker pool already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, name := range p.config.Queues {
		q := NewQueue(p.deps.Redis, name, p.config.Queue, p.config.Logger)
		for i := 0; i < p.config.Concurrency; i++ {
			p.wg.Add(1)
			go p.consume(runCtx, q)
		}
	}

	p.wg.Add(1)
	go p.controlLoop(runCtx)

	if p.logger != nil {
		p.logger.Info("Worker pool started", map[string]interface{}{
			"worker_id":   p.config.ID,
			"queues":      p.config.Queues,
			"concurrency": p.config.Concurrency,
		})
	}
	return nil
}

// Stop drains the pool: consumers stop picking up messages, in-flight
// tasks get until ShutdownTimeout to finish, then their contexts are cut.
func (p *WorkerPool) Stop() {
	if !p.started.CompareAndSwap(true, false) {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.config.ShutdownTimeout):
		if p.logger != nil {
			p.logger.Warn("Shutdown timeout, abandoning in-flight tasks", map[string]interface{}{
				"worker_id": p.config.ID,
			})
		}
	}
	if p.logger != nil {
		p.logger.Info("Worker pool stopped", map[string]interface{}{
			"worker_id": p.config.ID,
		})
	}
}

func (p *WorkerPool) consume(ctx context.Context, q *Queue) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if p.logger != nil {
				p.logger.ErrorWithContext(ctx, "Dequeue failed, backing off", map[string]interface{}{
					"queue": q.Name(),
					"error": err.Error(),
				})
			}
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if msg == nil {
			continue
		}
		p.process(ctx, msg)
	}
}

// process drives one message through the execution lifecycle.
func (p *WorkerPool) process(ctx context.Context, msg *Message) {
	start := time.Now()
	defer telemetry.Duration("que.task.duration", start, "queue", msg.Queue, "name", msg.Name)

	if p.logger != nil {
		fields := map[string]interface{}{
			"task_id": msg.TaskID,
			"queue":   msg.Queue,
			"name":    msg.Name,
		}
		if msg.TraceID != "" {
			fields["trace_id"] = msg.TraceID
			fields["parent_span_id"] = msg.ParentSpanID
		}
		p.logger.DebugWithContext(ctx, "Task dequeued", fields)
	}

	if msg.Expired(time.Now()) {
		if p.logger != nil {
			p.logger.WarnWithContext(ctx, "Dropping expired task", map[string]interface{}{
				"task_id": msg.TaskID,
				"queue":   msg.Queue,
			})
		}
		telemetry.Counter("que.task.expired", "queue", msg.Queue)
		p.failTask(ctx, msg, nil, "task expired before execution", core.StatusFailure)
		return
	}

	// Revoked-while-queued tasks were already cleaned up by the canceller.
	res, err := p.deps.Results.Get(ctx, msg.TaskID)
	if err == nil && res.Status == core.StatusRevoked {
		telemetry.Counter("que.task.discarded", "queue", msg.Queue)
		return
	}
	if err != nil && p.logger != nil {
		p.logger.WarnWithContext(ctx, "No result record for dequeued task", map[string]interface{}{
			"task_id": msg.TaskID,
			"error":   err.Error(),
		})
	}

	if err := p.deps.Results.MarkStarted(ctx, msg.TaskID, p.config.ID); err != nil && p.logger != nil {
		p.logger.WarnWithContext(ctx, "Failed to mark task started", map[string]interface{}{
			"task_id": msg.TaskID,
			"error":   err.Error(),
		})
	}

	// Confirm the operation lock before any side effect. A vanished lock
	// means our claim on the operation expired while queued.
	if msg.LockKey != "" {
		lk := lock.New(p.deps.Store, msg.LockKey, &lock.Config{Logger: p.config.Logger})
		if err := lk.ConfirmOrFail(ctx, msg.LockValue, "operation lock vanished before execution"); err != nil {
			p.failTask(ctx, msg, nil, err.Error(), core.StatusFailure)
			return
		}
	}

	// The submitter's registry write races our dequeue. Executing an
	// unregistered task would leave it invisible to its user, so wait out
	// the grace period.
	if msg.Registered {
		if err := p.deps.Registry.Await(ctx, msg.TaskID, p.config.RegistrationGrace); err != nil {
			p.failTask(ctx, msg, nil, "task never appeared in pending registry", core.StatusFailure)
			return
		}
	}

	if msg.IsCallback() {
		p.awaitParent(ctx, msg)
	}

	var obj core.TaskLoggable
	if p.config.Resolver != nil && msg.ObjectType != "" && msg.ObjectPK != "" {
		obj, err = p.config.Resolver(ctx, msg.ObjectType, msg.ObjectPK)
		if err != nil {
			if p.logger != nil {
				p.logger.WarnWithContext(ctx, "Object resolution failed", map[string]interface{}{
					"task_id":     msg.TaskID,
					"object_type": msg.ObjectType,
					"object_pk":   msg.ObjectPK,
					"error":       err.Error(),
				})
			}
			obj = nil
		}
	}

	h, ok := p.handler(msg.Name)
	if !ok {
		p.failTask(ctx, msg, obj, "unknown handler "+msg.Name, core.StatusFailure)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.config.TaskTimeout)
	rt := &runningTask{cancel: cancel}
	p.track(msg.TaskID, rt)
	payload, execErr := p.execute(taskCtx, h, &HandlerContext{Msg: msg, ID: core.ParseTaskID(msg.TaskID), Object: obj})
	p.untrack(msg.TaskID)
	cancel()

	if taskCtx.Err() != nil && execErr != nil {
		if rt.revoked.Load() {
			p.revokedTask(ctx, msg, obj)
			return
		}
		execErr = fmt.Errorf("%w: task exceeded %s", core.ErrTimeout, p.config.TaskTimeout)
	}

	if execErr != nil {
		ee := AsExecError(execErr)
		if msg.IsCallback() && ee.Result == nil {
			// Preserve what the remote side actually returned.
			if parent, err := p.deps.Results.Get(ctx, msg.Caller); err == nil {
				ee.Result = parent.Payload
			}
		}
		if _, err := p.deps.Results.Finish(ctx, msg.TaskID, core.StatusFailure, ee.Result, ee.Message); err != nil && p.logger != nil {
			p.logger.ErrorWithContext(ctx, "Failed to store failure result", map[string]interface{}{
				"task_id": msg.TaskID,
				"error":   err.Error(),
			})
		}
		if msg.IsCallback() && obj != nil {
			p.janitor.rollback(ctx, msg, obj)
		}
		p.afterTerminal(ctx, msg, core.StatusFailure, ee.Result, ee.Message, obj)
		return
	}

	encoded := marshalPayload(payload)
	if _, err := p.deps.Results.Finish(ctx, msg.TaskID, core.StatusSuccess, encoded, ""); err != nil && p.logger != nil {
		p.logger.ErrorWithContext(ctx, "Failed to store success result", map[string]interface{}{
			"task_id": msg.TaskID,
			"error":   err.Error(),
		})
	}
	p.afterTerminal(ctx, msg, core.StatusSuccess, encoded, "", obj)
}

// execute runs the handler with panic containment.
func (p *WorkerPool) execute(ctx context.Context, h Handler, hc *HandlerContext) (payload interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
			if p.logger != nil {
				p.logger.Error("Handler panic", map[string]interface{}{
					"task_id": hc.Msg.TaskID,
					"name":    hc.Msg.Name,
					"panic":   fmt.Sprintf("%v", r),
					"stack":   string(debug.Stack()),
				})
			}
			telemetry.Counter("que.task.panic", "name", hc.Msg.Name)
		}
	}()
	return h(ctx, hc)
}

// awaitParent blocks a callback until its parent task reaches a terminal
// state. Callback chaining races the parent's own result write; executing
// before the parent settles would log a half-finished operation. On timeout
// the callback proceeds with whatever state the parent is in.
func (p *WorkerPool) awaitParent(ctx context.Context, msg *Message) {
	poll := *p.config.Poll
	poll.MaxWait = p.config.ParentWaitTimeout
	err := resilience.WaitFor(ctx, &poll, func(ctx context.Context) (bool, error) {
		parent, err := p.deps.Results.Get(ctx, msg.Caller)
		if err != nil {
			if core.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return parent.Status.IsTerminal(), nil
	})
	if err != nil && p.logger != nil {
		p.logger.WarnWithContext(ctx, "Parent task not terminal, proceeding", map[string]interface{}{
			"task_id": msg.TaskID,
			"caller":  msg.Caller,
			"error":   err.Error(),
		})
	}
}

// afterTerminal either chains the declared callback or closes the task's
// bookkeeping. Callbacks inherit the operation context (lock, attribution)
// but never the parent's own callback spec, so a chain only grows by
// explicit declaration.
func (p *WorkerPool) afterTerminal(ctx context.Context, msg *Message, status core.TaskStatus, payload json.RawMessage, detail string, obj core.TaskLoggable) {
	if msg.Callback == nil {
		p.janitor.finish(ctx, msg, status, detail, obj)
		return
	}
	if err := p.spawnCallback(ctx, msg, status, payload, detail); err != nil {
		if p.logger != nil {
			p.logger.ErrorWithContext(ctx, "Callback dispatch failed, closing task directly", map[string]interface{}{
				"task_id":  msg.TaskID,
				"callback": msg.Callback.Name,
				"error":    err.Error(),
			})
		}
		p.janitor.finish(ctx, msg, status, detail, obj)
	}
}

// spawnCallback mints and enqueues the follow-up task declared by msg.
// Callbacks run on the mgmt queue regardless of where the parent ran.
func (p *WorkerPool) spawnCallback(ctx context.Context, msg *Message, status core.TaskStatus, payload json.RawMessage, detail string) error {
	cb := msg.Callback
	parentID := core.ParseTaskID(msg.TaskID)
	cbID := parentID.Derive(core.DeriveOptions{Kind: core.KindMgmt}).String()

	args := make(map[string]interface{}, len(cb.Kwargs)+3)
	for k, v := range cb.Kwargs {
		args[k] = v
	}
	args["result"] = payload
	args["task_status"] = string(status)
	if detail != "" {
		args["error"] = detail
	}

	cbMsg := &Message{
		TaskID:       cbID,
		Queue:        QueueMgmt,
		Name:         cb.Name,
		Args:         args,
		Caller:       msg.TaskID,
		LockKey:      msg.LockKey,
		LockValue:    msg.LockValue,
		Registered:   true,
		View:         msg.View,
		Text:         msg.Text,
		ObjectType:   msg.ObjectType,
		ObjectPK:     msg.ObjectPK,
		ObjectName:   msg.ObjectName,
		ObjectAlias:  msg.ObjectAlias,
		Action:       msg.Action,
		Username:     msg.Username,
		TraceID:      msg.TraceID,
		ParentSpanID: msg.ParentSpanID,
		CreatedAt:    time.Now().UTC(),
	}
	if cb.ExpiresIn > 0 {
		expiresAt := cbMsg.CreatedAt.Add(cb.ExpiresIn)
		cbMsg.ExpiresAt = &expiresAt
	}

	if err := p.deps.Results.Create(ctx, &Result{
		TaskID: cbID,
		Caller: msg.TaskID,
		Queue:  QueueMgmt,
		Name:   cb.Name,
	}); err != nil {
		return err
	}
	// An unregistered callback must not wait out the registration grace, so
	// the envelope records whether the entry was actually written.
	if err := p.deps.Registry.Register(ctx, cbID, registryEntryFor(msg)); err != nil {
		cbMsg.Registered = false
		if p.logger != nil {
			p.logger.WarnWithContext(ctx, "Callback registration failed", map[string]interface{}{
				"task_id": cbID,
				"error":   err.Error(),
			})
		}
	}
	q := NewQueue(p.deps.Redis, QueueMgmt, p.config.Queue, p.config.Logger)
	if err := q.Enqueue(ctx, cbMsg); err != nil {
		if delErr := p.deps.Results.Delete(ctx, cbID); delErr != nil && p.logger != nil {
			p.logger.WarnWithContext(ctx, "Failed to delete orphaned callback result", map[string]interface{}{
				"task_id": cbID,
				"error":   delErr.Error(),
			})
		}
		return err
	}
	if err := p.deps.Results.SetCallback(ctx, msg.TaskID, cbID); err != nil {
		return err
	}
	telemetry.Counter("que.callback.spawned", "name", cb.Name)
	return nil
}

// failTask writes a failure result and closes the bookkeeping without
// chaining a callback. Used for failures before the handler ever ran.
func (p *WorkerPool) failTask(ctx context.Context, msg *Message, obj core.TaskLoggable, detail string, status core.TaskStatus) {
	if _, err := p.deps.Results.Finish(ctx, msg.TaskID, status, nil, detail); err != nil && p.logger != nil {
		p.logger.ErrorWithContext(ctx, "Failed to store failure result", map[string]interface{}{
			"task_id": msg.TaskID,
			"error":   err.Error(),
		})
	}
	p.janitor.finish(ctx, msg, status, detail, obj)
}

// revokedTask closes a task whose context was cut by a cancel broadcast.
func (p *WorkerPool) revokedTask(ctx context.Context, msg *Message, obj core.TaskLoggable) {
	if _, err := p.deps.Results.Finish(ctx, msg.TaskID, core.StatusRevoked, nil, "revoked during execution"); err != nil && p.logger != nil {
		p.logger.ErrorWithContext(ctx, "Failed to store revoked result", map[string]interface{}{
			"task_id": msg.TaskID,
			"error":   err.Error(),
		})
	}
	telemetry.Counter("que.task.revoked", "queue", msg.Queue)
	p.janitor.finish(ctx, msg, core.StatusRevoked, "task revoked", obj)
}

func (p *WorkerPool) track(taskID string, rt *runningTask) {
	p.runMu.Lock()
	p.running[taskID] = rt
	p.runMu.Unlock()
}

func (p *WorkerPool) untrack(taskID string) {
	p.runMu.Lock()
	delete(p.running, taskID)
	p.runMu.Unlock()
}

// controlLoop serves the pub/sub control plane: ping probes per queue and
// the cancel broadcast channel.
func (p *WorkerPool) controlLoop(ctx context.Context) {
	defer p.wg.Done()

	channels := make([]string, 0, len(p.config.Queues)+1)
	for _, q := range p.config.Queues {
		channels = append(channels, pingChannelPrefix+q)
	}
	channels = append(channels, cancelChannel)

	pubsub := p.deps.Redis.Subscribe(ctx, channels...)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			p.handleControl(ctx, m)
		}
	}
}

func (p *WorkerPool) handleControl(ctx context.Context, m *redis.Message) {
	if m.Channel == cancelChannel {
		var req cancelRequest
		if err := json.Unmarshal([]byte(m.Payload), &req); err != nil {
			return
		}
		p.runMu.Lock()
		rt, ok := p.running[req.TaskID]
		p.runMu.Unlock()
		if !ok {
			return
		}
		if p.logger != nil {
			p.logger.InfoWithContext(ctx, "Revoking running task", map[string]interface{}{
				"task_id":   req.TaskID,
				"worker_id": p.config.ID,
				"force":     req.Force,
			})
		}
		rt.revoked.Store(true)
		rt.cancel()
		return
	}

	var req pingRequest
	if err := json.Unmarshal([]byte(m.Payload), &req); err != nil {
		return
	}
	queue := m.Channel[len(pingChannelPrefix):]
	if err := answerPing(ctx, p.deps.Redis, &req, p.config.ID, queue); err != nil && p.logger != nil {
		p.logger.WarnWithContext(ctx, "Failed to answer ping", map[string]interface{}{
			"queue": queue,
			"error": err.Error(),
		})
	}
}
