package que

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/danubecloud/que/core"
	"github.com/danubecloud/que/registry"
	"github.com/danubecloud/que/resilience"
	"github.com/danubecloud/que/tasklog"
)

// testEnv wires the full coordination stack over one miniredis instance.
type testEnv struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	store    core.CoordinationStore
	results  *ResultStore
	registry *registry.Registry
	taskLog  *tasklog.TaskLog
	notifier *recordingNotifier
	deps     Deps
}

func fastPoll() *resilience.PollConfig {
	return &resilience.PollConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Factor:       2.0,
		MaxWait:      2 * time.Second,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := core.NewRedisStoreFromClient(client, "que", &core.NoOpLogger{})
	results := NewResultStore(store, &ResultStoreConfig{TTL: time.Hour})
	reg := registry.New(store, &registry.Config{
		Status: results.Status,
		Poll:   fastPoll(),
	})
	tl := tasklog.New(nil, store, nil)
	notifier := &recordingNotifier{}

	return &testEnv{
		mr:       mr,
		client:   client,
		store:    store,
		results:  results,
		registry: reg,
		taskLog:  tl,
		notifier: notifier,
		deps: Deps{
			Redis:    client,
			Store:    store,
			Results:  results,
			Registry: reg,
			TaskLog:  tl,
			Notifier: notifier,
		},
	}
}

func (e *testEnv) newClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(e.deps, &ClientConfig{
		PingTimeout:        200 * time.Millisecond,
		DefaultLockTimeout: time.Minute,
		Retry: &resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
		},
		Poll: fastPoll(),
	})
	require.NoError(t, err)
	return c
}

// notifyEvent is one recorded terminal-event fan-out.
type notifyEvent struct {
	taskID string
	status core.TaskStatus
	detail map[string]interface{}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifyEvent
}

func (n *recordingNotifier) TaskFinished(ctx context.Context, taskID string, status core.TaskStatus, detail map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notifyEvent{taskID: taskID, status: status, detail: detail})
}

func (n *recordingNotifier) eventFor(taskID string) (notifyEvent, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ev := range n.events {
		if ev.taskID == taskID {
			return ev, true
		}
	}
	return notifyEvent{}, false
}

// fakeObject implements the domain-object contracts for worker tests.
type fakeObject struct {
	typ, pk, name, alias string
	owner                int

	mu         sync.Mutex
	cleared    []string
	rolledBack []string
}

func (o *fakeObject) ObjectType() string  { return o.typ }
func (o *fakeObject) ObjectPK() string    { return o.pk }
func (o *fakeObject) ObjectName() string  { return o.name }
func (o *fakeObject) ObjectAlias() string { return o.alias }
func (o *fakeObject) OwnerID() int        { return o.owner }

func (o *fakeObject) ClearPendingTask(ctx context.Context, taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleared = append(o.cleared, taskID)
	return nil
}

func (o *fakeObject) RollbackCreate(ctx context.Context) error { return o.rollback("create") }
func (o *fakeObject) RollbackUpdate(ctx context.Context) error { return o.rollback("update") }
func (o *fakeObject) RollbackDelete(ctx context.Context) error { return o.rollback("delete") }

func (o *fakeObject) rollback(action string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rolledBack = append(o.rolledBack, action)
	return nil
}

func (o *fakeObject) clearedTasks() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.cleared...)
}

func (o *fakeObject) rollbacks() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.rolledBack...)
}
