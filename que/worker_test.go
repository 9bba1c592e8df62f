package que

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danubecloud/que/core"
	"github.com/danubecloud/que/lock"
	"github.com/danubecloud/que/registry"
)

func startWorker(t *testing.T, env *testEnv, cfg *WorkerConfig) *WorkerPool {
	t.Helper()
	if cfg == nil {
		cfg = &WorkerConfig{}
	}
	if cfg.ID == "" {
		cfg.ID = "worker-test"
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{QueueFast, QueueMgmt}
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = 5 * time.Second
	}
	cfg.RegistrationGrace = 500 * time.Millisecond
	cfg.ParentWaitTimeout = 500 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Queue = testQueueConfig()
	cfg.Poll = fastPoll()

	pool, err := NewWorkerPool(env.deps, cfg)
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Stop)
	return pool
}

func waitStatus(t *testing.T, env *testEnv, taskID string, want core.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		res, err := env.results.Get(context.Background(), taskID)
		return err == nil && res.Status == want
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWorkerExecutesTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pool := startWorker(t, env, nil)
	pool.Register("vm_start", func(ctx context.Context, hc *HandlerContext) (interface{}, error) {
		return map[string]interface{}{"returncode": 0}, nil
	})

	c := env.newClient(t)
	taskID, err := c.Submit(ctx, core.NewTaskID(7, nil), SubmitOptions{
		Queue:        QueueFast,
		Name:         "vm_start",
		SkipPing:     true,
		SkipCallback: true,
		Text:         "Start server",
	})
	require.NoError(t, err)

	waitStatus(t, env, taskID, core.StatusSuccess)

	res, err := env.results.Get(ctx, taskID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"returncode":0}`, string(res.Payload))
	assert.Equal(t, "worker-test", res.WorkerID)
	assert.Empty(t, res.Callback)

	// Terminal cleanup removed the registry entry and logged the outcome.
	require.Eventually(t, func() bool {
		registered, err := env.registry.Exists(ctx, taskID)
		return err == nil && !registered
	}, 2*time.Second, 20*time.Millisecond)

	recent, err := env.taskLog.Recent(ctx, 7, core.DefaultDatacenterID)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, core.StatusSuccess, recent[0].Status)

	_, ok := env.notifier.eventFor(taskID)
	assert.True(t, ok)
}

func TestWorkerChainsDefaultCallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	obj := &fakeObject{typ: "vm", pk: "uuid-1", name: "web01", alias: "web", owner: 7}

	pool := startWorker(t, env, &WorkerConfig{
		Resolver: func(ctx context.Context, objectType, objectPK string) (core.TaskLoggable, error) {
			return obj, nil
		},
	})
	pool.Register("vm_start", func(ctx context.Context, hc *HandlerContext) (interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})

	c := env.newClient(t)
	taskID, err := c.Submit(ctx, core.NewTaskID(7, nil), SubmitOptions{
		Queue:      QueueFast,
		Name:       "vm_start",
		SkipPing:   true,
		LockKey:    "vm:uuid-1",
		View:       "vm_manage",
		Text:       "Start server",
		ObjectType: "vm",
		ObjectPK:   "uuid-1",
		Action:     ActionUpdate,
		Username:   "admin",
	})
	require.NoError(t, err)

	var final *Result
	require.Eventually(t, func() bool {
		final, err = env.results.FollowCallback(ctx, taskID)
		return err == nil && final.TaskID != taskID && final.Status.IsTerminal()
	}, 5*time.Second, 20*time.Millisecond)

	// The chain's final link is the log callback on the mgmt queue, and its
	// result mirrors the operation's payload.
	assert.Equal(t, core.StatusSuccess, final.Status)
	assert.Equal(t, taskID, final.Caller)
	assert.Equal(t, QueueMgmt, final.Queue)
	assert.Equal(t, DefaultCallbackName, final.Name)
	assert.JSONEq(t, `{"ok":true}`, string(final.Payload))

	parent, err := env.results.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, final.TaskID, parent.Callback)
	assert.Equal(t, core.StatusSuccess, parent.Status)

	// The callback closed its own and the caller's registry entries.
	for _, id := range []string{taskID, final.TaskID} {
		registered, err := env.registry.Exists(ctx, id)
		require.NoError(t, err)
		assert.False(t, registered, "task %s still registered", id)
	}

	// The operation lock, acquired at submission, was released by the
	// chain's final link.
	held, err := lock.New(env.store, "vm:uuid-1", nil).Exists(ctx)
	require.NoError(t, err)
	assert.False(t, held)

	assert.Contains(t, obj.clearedTasks(), final.TaskID)

	recent, err := env.taskLog.Recent(ctx, 7, core.DefaultDatacenterID)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "web01", recent[0].ObjectName)
}

func TestWorkerFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	obj := &fakeObject{typ: "vm", pk: "uuid-1", name: "web01", owner: 7}

	pool := startWorker(t, env, &WorkerConfig{
		Resolver: func(ctx context.Context, objectType, objectPK string) (core.TaskLoggable, error) {
			return obj, nil
		},
	})
	pool.Register("vm_create", func(ctx context.Context, hc *HandlerContext) (interface{}, error) {
		return nil, errors.New("node out of capacity")
	})

	c := env.newClient(t)
	taskID, err := c.Submit(ctx, core.NewTaskID(7, nil), SubmitOptions{
		Queue:      QueueFast,
		Name:       "vm_create",
		SkipPing:   true,
		Text:       "Create server",
		ObjectType: "vm",
		ObjectPK:   "uuid-1",
		Action:     ActionCreate,
	})
	require.NoError(t, err)

	var final *Result
	require.Eventually(t, func() bool {
		final, err = env.results.FollowCallback(ctx, taskID)
		return err == nil && final.TaskID != taskID && final.Status.IsTerminal()
	}, 5*time.Second, 20*time.Millisecond)

	// The log callback re-raises the operation failure, so the chain ends
	// in failure and the speculative create is rolled back.
	assert.Equal(t, core.StatusFailure, final.Status)
	assert.Equal(t, "node out of capacity", final.Error)
	assert.Equal(t, []string{"create"}, obj.rollbacks())

	recent, err := env.taskLog.Recent(ctx, 7, core.DefaultDatacenterID)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, core.StatusFailure, recent[0].Status)
}

func TestWorkerUnknownHandler(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	startWorker(t, env, nil)

	c := env.newClient(t)
	taskID, err := c.Submit(ctx, core.NewTaskID(7, nil), SubmitOptions{
		Queue:        QueueFast,
		Name:         "nonexistent",
		SkipPing:     true,
		SkipCallback: true,
	})
	require.NoError(t, err)

	waitStatus(t, env, taskID, core.StatusFailure)
	res, err := env.results.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Contains(t, res.Error, "unknown handler")
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pool := startWorker(t, env, nil)
	pool.Register("vm_start", func(ctx context.Context, hc *HandlerContext) (interface{}, error) {
		panic("boom")
	})

	c := env.newClient(t)
	taskID, err := c.Submit(ctx, core.NewTaskID(7, nil), SubmitOptions{
		Queue:        QueueFast,
		Name:         "vm_start",
		SkipPing:     true,
		SkipCallback: true,
	})
	require.NoError(t, err)

	waitStatus(t, env, taskID, core.StatusFailure)
	res, err := env.results.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Contains(t, res.Error, "panicked")
}

func TestWorkerDropsExpiredTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	taskID := core.NewTaskID(7, nil).String()

	require.NoError(t, env.results.Create(ctx, &Result{TaskID: taskID}))
	expired := time.Now().Add(-time.Minute)
	q := NewQueue(env.client, QueueFast, testQueueConfig(), nil)
	require.NoError(t, q.Enqueue(ctx, &Message{
		TaskID:    taskID,
		Queue:     QueueFast,
		Name:      "vm_start",
		ExpiresAt: &expired,
	}))

	startWorker(t, env, nil)

	waitStatus(t, env, taskID, core.StatusFailure)
	res, err := env.results.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Contains(t, res.Error, "expired")
}

func TestWorkerDiscardsRevokedTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	taskID := core.NewTaskID(7, nil).String()

	require.NoError(t, env.results.Create(ctx, &Result{TaskID: taskID, Status: core.StatusRevoked}))
	q := NewQueue(env.client, QueueFast, testQueueConfig(), nil)
	require.NoError(t, q.Enqueue(ctx, &Message{TaskID: taskID, Queue: QueueFast, Name: "vm_start"}))

	startWorker(t, env, nil)

	require.Eventually(t, func() bool {
		n, err := q.Length(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)

	res, err := env.results.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRevoked, res.Status)
	assert.Empty(t, res.WorkerID)
}

func TestWorkerFailsWhenLockVanished(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	taskID := core.NewTaskID(7, nil).String()

	require.NoError(t, env.results.Create(ctx, &Result{TaskID: taskID}))
	q := NewQueue(env.client, QueueFast, testQueueConfig(), nil)
	require.NoError(t, q.Enqueue(ctx, &Message{
		TaskID:    taskID,
		Queue:     QueueFast,
		Name:      "vm_start",
		LockKey:   "vm:uuid-1",
		LockValue: taskID,
	}))

	startWorker(t, env, nil)

	waitStatus(t, env, taskID, core.StatusFailure)
	res, err := env.results.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Contains(t, res.Error, "lock vanished")
}

func TestWorkerAnswersPing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	startWorker(t, env, &WorkerConfig{ID: "worker-ping"})

	require.Eventually(t, func() bool {
		workers, err := Ping(ctx, env.client, QueueFast, 500*time.Millisecond)
		return err == nil && len(workers) == 1 && workers[0].ID == "worker-ping"
	}, 5*time.Second, 50*time.Millisecond)

	// No worker consumes the backup queue here.
	workers, err := Ping(ctx, env.client, QueueBackup, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestWorkerRevokesRunningTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	started := make(chan struct{})
	pool := startWorker(t, env, nil)
	pool.Register("vm_start", func(ctx context.Context, hc *HandlerContext) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c := env.newClient(t)
	taskID, err := c.Submit(ctx, core.NewTaskID(7, nil), SubmitOptions{
		Queue:        QueueFast,
		Name:         "vm_start",
		SkipPing:     true,
		SkipCallback: true,
		Text:         "Start server",
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	waitStatus(t, env, taskID, core.StatusStarted)

	require.NoError(t, c.Cancel(ctx, taskID, false))

	waitStatus(t, env, taskID, core.StatusRevoked)
	require.Eventually(t, func() bool {
		registered, err := env.registry.Exists(ctx, taskID)
		return err == nil && !registered
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWorkerTimeoutFailsTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pool := startWorker(t, env, &WorkerConfig{TaskTimeout: 100 * time.Millisecond})
	pool.Register("vm_start", func(ctx context.Context, hc *HandlerContext) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c := env.newClient(t)
	taskID, err := c.Submit(ctx, core.NewTaskID(7, nil), SubmitOptions{
		Queue:        QueueFast,
		Name:         "vm_start",
		SkipPing:     true,
		SkipCallback: true,
	})
	require.NoError(t, err)

	waitStatus(t, env, taskID, core.StatusFailure)
	res, err := env.results.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Contains(t, res.Error, "exceeded")
}

func TestWorkerCustomCallbackKwargs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	gotKwargs := make(chan map[string]interface{}, 1)
	pool := startWorker(t, env, nil)
	pool.Register("vm_snapshot", func(ctx context.Context, hc *HandlerContext) (interface{}, error) {
		return "snapshot-done", nil
	})
	pool.Register("vm_snapshot_cb", func(ctx context.Context, hc *HandlerContext) (interface{}, error) {
		gotKwargs <- hc.Msg.Args
		return hc.Msg.Args["result"], nil
	})

	c := env.newClient(t)
	taskID, err := c.Submit(ctx, core.NewTaskID(7, nil), SubmitOptions{
		Queue:    QueueFast,
		Name:     "vm_snapshot",
		SkipPing: true,
		Callback: &CallbackSpec{
			Name:   "vm_snapshot_cb",
			Kwargs: map[string]interface{}{"snap_id": "42"},
		},
	})
	require.NoError(t, err)

	select {
	case args := <-gotKwargs:
		assert.Equal(t, "42", args["snap_id"])
		assert.Equal(t, "snapshot-done", args["result"])
		assert.Equal(t, string(core.StatusSuccess), args["task_status"])
	case <-time.After(5 * time.Second):
		t.Fatal("callback never executed")
	}

	var final *Result
	require.Eventually(t, func() bool {
		final, err = env.results.FollowCallback(ctx, taskID)
		return err == nil && final.TaskID != taskID && final.Status.IsTerminal()
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "vm_snapshot_cb", final.Name)
	assert.Equal(t, core.StatusSuccess, final.Status)
}

func TestSpawnCallbackRecordsRegistrationFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A registry that reports every task as terminal refuses registration,
	// the same shape the race with a concurrent revocation produces.
	deps := env.deps
	deps.Registry = registry.New(env.store, &registry.Config{
		Status: func(context.Context, string) (core.TaskStatus, error) {
			return core.StatusSuccess, nil
		},
		Poll: fastPoll(),
	})

	pool, err := NewWorkerPool(deps, &WorkerConfig{
		ID:    "worker-test",
		Queue: testQueueConfig(),
		Poll:  fastPoll(),
	})
	require.NoError(t, err)

	msg := &Message{
		TaskID:   core.NewTaskID(7, nil).String(),
		Queue:    QueueFast,
		Name:     "vm_start",
		Callback: &CallbackSpec{Name: "task_log_cb"},
	}
	require.NoError(t, pool.spawnCallback(ctx, msg, core.StatusSuccess, nil, ""))

	q := NewQueue(env.client, QueueMgmt, testQueueConfig(), nil)
	cbMsg, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, cbMsg)
	// The envelope must not claim an entry that was never written, or the
	// consuming worker waits out the registration grace for nothing.
	assert.False(t, cbMsg.Registered)
}
