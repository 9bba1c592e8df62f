package que

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/danubecloud/que/core"
)

// Control-plane channels. Ping requests are published per queue so only the
// workers consuming that queue answer; cancellations are broadcast to every
// worker because only the one running the task can act on it.
const (
	pingChannelPrefix = "que:ping:"
	pongKeyPrefix     = "que:pong:"
	cancelChannel     = "que:cancel"

	// pongReplyTTL caps how long an unclaimed reply list can linger.
	pongReplyTTL = 30 * time.Second
)

type pingRequest struct {
	ReplyTo string `json:"reply_to"`
}

type pingReply struct {
	WorkerID string `json:"worker_id"`
	Queue    string `json:"queue"`
}

// cancelRequest is broadcast to revoke a task. Workers treat plain and
// force requests the same, cutting the running task's context; Force only
// matters on the submit side, where it overrides the chain guard. It is
// carried here so the owning worker can log how the revocation was asked.
type cancelRequest struct {
	TaskID string `json:"task_id"`
	Force  bool   `json:"force,omitempty"`
}

// WorkerInfo identifies one live worker that answered a ping.
type WorkerInfo struct {
	ID    string
	Queue string
}

// Ping probes a queue for live workers. It publishes a ping request and
// collects replies until timeout, returning every worker that answered.
// An empty slice means no worker is consuming the queue.
func Ping(ctx context.Context, client *redis.Client, queue string, timeout time.Duration) ([]WorkerInfo, error) {
	replyKey := pongKeyPrefix + uuid.NewString()
	req, err := json.Marshal(pingRequest{ReplyTo: replyKey})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ping request: %w", err)
	}

	n, err := client.Publish(ctx, pingChannelPrefix+queue, req).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: ping publish: %v", core.ErrQueueUnavailable, err)
	}
	if n == 0 {
		// Nobody subscribed, no point waiting for replies.
		return nil, nil
	}

	deadline := time.Now().Add(timeout)
	defer client.Del(context.Background(), replyKey)

	var workers []WorkerInfo
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return workers, nil
		}
		// Once someone answered, drain stragglers with a short grace
		// instead of burning the full timeout.
		if len(workers) > 0 && remaining > 200*time.Millisecond {
			remaining = 200 * time.Millisecond
		}
		reply, err := client.BRPop(ctx, remaining, replyKey).Result()
		if err == redis.Nil {
			return workers, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return workers, ctx.Err()
			}
			return workers, fmt.Errorf("%w: ping reply: %v", core.ErrQueueUnavailable, err)
		}
		var pr pingReply
		if jsonErr := json.Unmarshal([]byte(reply[1]), &pr); jsonErr != nil {
			continue
		}
		workers = append(workers, WorkerInfo{ID: pr.WorkerID, Queue: pr.Queue})
	}
}

// publishCancel broadcasts a revocation request to all workers. The return
// value is the number of subscribers that received it.
func publishCancel(ctx context.Context, client *redis.Client, taskID string, force bool) (int64, error) {
	req, err := json.Marshal(cancelRequest{TaskID: taskID, Force: force})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal cancel request: %w", err)
	}
	n, err := client.Publish(ctx, cancelChannel, req).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: cancel publish: %v", core.ErrQueueUnavailable, err)
	}
	return n, nil
}

// answerPing writes this worker's reply onto the requester's reply list.
func answerPing(ctx context.Context, client *redis.Client, req *pingRequest, workerID, queue string) error {
	reply, err := json.Marshal(pingReply{WorkerID: workerID, Queue: queue})
	if err != nil {
		return err
	}
	pipe := client.Pipeline()
	pipe.LPush(ctx, req.ReplyTo, reply)
	pipe.Expire(ctx, req.ReplyTo, pongReplyTTL)
	_, err = pipe.Exec(ctx)
	return err
}
