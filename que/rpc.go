package que

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/danubecloud/que/core"
	"github.com/danubecloud/que/telemetry"
)

// Synchronous command channel. Unlike tasks, commands are request/response:
// the caller blocks for the reply, nothing is registered or logged, and an
// unanswered command is simply a timeout. Management uses it for direct
// node operations (run a command, report version, fetch logs).
const (
	rpcKeyPrefix      = "que:rpc:"
	rpcReplyKeyPrefix = "que:rpc:reply:"
	rpcReplyTTL       = 60 * time.Second
)

// Built-in command names served by every worker.
const (
	CmdExecute  = "execute"
	CmdVersion  = "system_version"
	CmdUpdate   = "system_update"
	CmdReadLogs = "system_read_logs"
)

type rpcRequest struct {
	ID      string                 `json:"id"`
	Command string                 `json:"command"`
	Args    map[string]interface{} `json:"args,omitempty"`
	ReplyTo string                 `json:"reply_to"`
}

type rpcResponse struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Call sends a synchronous command to a worker consuming target (a queue
// name, addressing whichever worker picks it up first) and blocks for the
// reply. The decoded payload is returned; a command-side failure comes back
// as an error carrying the worker's message.
func Call(ctx context.Context, client *redis.Client, target, command string, args map[string]interface{}, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()
	req := rpcRequest{
		ID:      uuid.NewString(),
		Command: command,
		Args:    args,
		ReplyTo: rpcReplyKeyPrefix + uuid.NewString(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command %s: %w", command, err)
	}

	if err := client.LPush(ctx, rpcKeyPrefix+target, data).Err(); err != nil {
		return nil, fmt.Errorf("%w: command push: %v", core.ErrQueueUnavailable, err)
	}
	defer client.Del(context.Background(), req.ReplyTo)

	reply, err := client.BRPop(ctx, timeout, req.ReplyTo).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: command %s on %s unanswered after %s", core.ErrTimeout, command, target, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: command reply: %v", core.ErrQueueUnavailable, err)
	}

	var resp rpcResponse
	if err := json.Unmarshal([]byte(reply[1]), &resp); err != nil {
		return nil, fmt.Errorf("undecodable command reply from %s: %w", target, err)
	}
	telemetry.Duration("que.rpc.duration", start, "command", command)
	if resp.Error != "" {
		return resp.Payload, fmt.Errorf("command %s failed on worker: %s", command, resp.Error)
	}
	return resp.Payload, nil
}

// CommandFunc serves one synchronous command.
type CommandFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// CommandServer consumes the synchronous command list of one target and
// dispatches to registered commands. One server typically runs alongside a
// WorkerPool, sharing its target queue name.
type CommandServer struct {
	client *redis.Client
	target string
	logger core.Logger

	mu       sync.RWMutex
	commands map[string]CommandFunc

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewCommandServer creates a command server for target.
func NewCommandServer(client *redis.Client, target string, logger core.Logger) *CommandServer {
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("que/rpc")
	}
	return &CommandServer{
		client:   client,
		target:   target,
		logger:   logger,
		commands: make(map[string]CommandFunc),
	}
}

// Handle binds a command name to its implementation.
func (s *CommandServer) Handle(name string, fn CommandFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[name] = fn
}

// Start launches the consume loop.
func (s *CommandServer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.serve(runCtx)
}

// Stop terminates the consume loop and waits for it.
func (s *CommandServer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *CommandServer) serve(ctx context.Context) {
	defer s.wg.Done()
	key := rpcKeyPrefix + s.target
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		reply, err := s.client.BRPop(ctx, 2*time.Second, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.logger != nil {
				s.logger.ErrorWithContext(ctx, "Command poll failed, backing off", map[string]interface{}{
					"target": s.target,
					"error":  err.Error(),
				})
			}
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal([]byte(reply[1]), &req); err != nil {
			if s.logger != nil {
				s.logger.Warn("Discarding undecodable command", map[string]interface{}{
					"target": s.target,
				})
			}
			continue
		}
		s.dispatch(ctx, &req)
	}
}

func (s *CommandServer) dispatch(ctx context.Context, req *rpcRequest) {
	s.mu.RLock()
	fn, ok := s.commands[req.Command]
	s.mu.RUnlock()

	resp := rpcResponse{ID: req.ID}
	if !ok {
		resp.Error = "unknown command " + req.Command
	} else {
		result, err := fn(ctx, req.Args)
		if err != nil {
			resp.Error = err.Error()
		} else if result != nil {
			resp.Payload = marshalPayload(result)
		}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, req.ReplyTo, data)
	pipe.Expire(ctx, req.ReplyTo, rpcReplyTTL)
	if _, err := pipe.Exec(ctx); err != nil && s.logger != nil {
		s.logger.ErrorWithContext(ctx, "Failed to deliver command reply", map[string]interface{}{
			"command": req.Command,
			"error":   err.Error(),
		})
	}
	telemetry.Counter("que.rpc.served", "command", req.Command)
}
