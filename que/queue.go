package que

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/danubecloud/que/core"
	"github.com/danubecloud/que/telemetry"
)

const queueKeyPrefix = "que:queue:"

// QueueConfig controls the queue transport.
type QueueConfig struct {
	// EnqueueTimeout bounds a single LPUSH round trip.
	EnqueueTimeout time.Duration

	// DequeueTimeout is the BRPOP block interval. Workers loop on it so
	// shutdown is observed within one interval.
	DequeueTimeout time.Duration
}

// DefaultQueueConfig returns sensible defaults for the queue transport.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		EnqueueTimeout: 5 * time.Second,
		DequeueTimeout: 2 * time.Second,
	}
}

// Queue is one named task queue backed by a Redis list. Submissions LPUSH,
// workers BRPOP, so messages are delivered in submission order per queue.
type Queue struct {
	client *redis.Client
	name   string
	key    string
	config *QueueConfig
	logger core.Logger
}

// NewQueue creates a handle on the named queue. A nil config uses defaults.
func NewQueue(client *redis.Client, name string, config *QueueConfig, logger core.Logger) *Queue {
	if config == nil {
		config = DefaultQueueConfig()
	}
	if config.EnqueueTimeout <= 0 {
		config.EnqueueTimeout = 5 * time.Second
	}
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = 2 * time.Second
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("que/queue")
	}
	return &Queue{
		client: client,
		name:   name,
		key:    queueKeyPrefix + name,
		config: config,
		logger: logger,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue pushes a message onto the queue. When the context carries an
// active span, its identifiers are stamped onto the envelope so the worker
// side can correlate its logs with the submitting trace.
func (q *Queue) Enqueue(ctx context.Context, msg *Message) error {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		if msg.TraceID == "" {
			msg.TraceID = sc.TraceID().String()
			msg.ParentSpanID = sc.SpanID().String()
		}
		telemetry.AddSpanEvent(ctx, "que.task.enqueued",
			attribute.String("task_id", msg.TaskID),
			attribute.String("queue", q.name))
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", msg.TaskID, err)
	}

	opCtx, cancel := context.WithTimeout(ctx, q.config.EnqueueTimeout)
	defer cancel()

	if err := q.client.LPush(opCtx, q.key, data).Err(); err != nil {
		if q.logger != nil {
			q.logger.ErrorWithContext(ctx, "Failed to enqueue task", map[string]interface{}{
				"task_id": msg.TaskID,
				"queue":   q.name,
				"error":   err.Error(),
			})
		}
		return fmt.Errorf("%w: queue %s: %v", core.ErrSubmitFailed, q.name, err)
	}

	telemetry.Counter("que.queue.enqueued", "queue", q.name)
	if q.logger != nil {
		q.logger.DebugWithContext(ctx, "Task enqueued", map[string]interface{}{
			"task_id": msg.TaskID,
			"queue":   q.name,
			"name":    msg.Name,
		})
	}
	return nil
}

// Dequeue blocks for up to the configured interval waiting for a message.
// It returns (nil, nil) when the interval elapses with the queue empty.
func (q *Queue) Dequeue(ctx context.Context) (*Message, error) {
	result, err := q.client.BRPop(ctx, q.config.DequeueTimeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: queue %s: %v", core.ErrQueueUnavailable, q.name, err)
	}
	// BRPOP returns [key, value].
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply on queue %s: %d elements", q.name, len(result))
	}

	var msg Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		if q.logger != nil {
			q.logger.ErrorWithContext(ctx, "Discarding undecodable queue message", map[string]interface{}{
				"queue": q.name,
				"error": err.Error(),
			})
		}
		telemetry.Counter("que.queue.malformed", "queue", q.name)
		return nil, nil
	}

	telemetry.Counter("que.queue.dequeued", "queue", q.name)
	return &msg, nil
}

// Length returns the number of queued messages.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: queue %s: %v", core.ErrQueueUnavailable, q.name, err)
	}
	return n, nil
}

// QueueLengths reports the depth of each named queue. Queues that cannot be
// inspected are reported as -1.
func QueueLengths(ctx context.Context, client *redis.Client, names []string) map[string]int64 {
	lengths := make(map[string]int64, len(names))
	for _, name := range names {
		n, err := client.LLen(ctx, queueKeyPrefix+name).Result()
		if err != nil {
			lengths[name] = -1
			continue
		}
		lengths[name] = n
	}
	return lengths
}
