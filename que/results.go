package que

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danubecloud/que/core"
	"github.com/danubecloud/que/telemetry"
)

const resultKeyPrefix = "result:"

// followMaxDepth bounds callback-chain traversal against corrupt links.
const followMaxDepth = 100

// Result is the stored outcome record of a task. One record exists per task
// id from submission until the retention TTL expires. Chain links (Caller,
// Callback) let readers walk from an original submission to the final
// post-processing outcome.
type Result struct {
	TaskID string          `json:"task_id"`
	Status core.TaskStatus `json:"status"`

	// Payload is the handler's JSON-encoded return value, set at terminal
	// state. On failure it holds the original result of the failed call.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error is the human-readable failure message.
	Error string `json:"error,omitempty"`

	// Caller links back to the task that triggered this one (callbacks only).
	// Callback links forward to the follow-up task chained after this one.
	Caller   string `json:"caller,omitempty"`
	Callback string `json:"callback,omitempty"`

	Queue    string `json:"queue,omitempty"`
	Name     string `json:"name,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ResultStoreConfig controls result retention.
type ResultStoreConfig struct {
	// TTL is the retention period of every result record, refreshed on each
	// write. Terminal results stay readable for this long after finishing.
	TTL time.Duration

	Logger core.Logger
}

// DefaultResultStoreConfig returns the default retention settings.
func DefaultResultStoreConfig() *ResultStoreConfig {
	return &ResultStoreConfig{
		TTL: 7 * 24 * time.Hour,
	}
}

// ResultStore persists task results as JSON blobs in the coordination store.
type ResultStore struct {
	store  core.CoordinationStore
	config *ResultStoreConfig
	logger core.Logger
}

// NewResultStore creates a result store. A nil config uses defaults.
func NewResultStore(store core.CoordinationStore, config *ResultStoreConfig) *ResultStore {
	if config == nil {
		config = DefaultResultStoreConfig()
	}
	if config.TTL <= 0 {
		config.TTL = 7 * 24 * time.Hour
	}
	logger := config.Logger
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("que/results")
	}
	return &ResultStore{
		store:  store,
		config: config,
		logger: logger,
	}
}

func resultKey(taskID string) string {
	return resultKeyPrefix + taskID
}

// Create stores a fresh pending result. It fails with ErrTaskExists when a
// record for the task id is already present, which makes task ids
// single-use even across the lenient parser's normalization.
func (s *ResultStore) Create(ctx context.Context, res *Result) error {
	if res.Status == "" {
		res.Status = core.StatusPending
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result %s: %w", res.TaskID, err)
	}

	ok, err := s.store.SetNX(ctx, resultKey(res.TaskID), string(data), s.config.TTL)
	if err != nil {
		return fmt.Errorf("failed to store result %s: %w", res.TaskID, err)
	}
	if !ok {
		return &core.CoordinationError{
			Op:     "result.create",
			Kind:   "result",
			TaskID: res.TaskID,
			Err:    core.ErrTaskExists,
		}
	}
	return nil
}

// Get retrieves the result record for a task id.
func (s *ResultStore) Get(ctx context.Context, taskID string) (*Result, error) {
	data, err := s.store.Get(ctx, resultKey(taskID))
	if err != nil {
		if errors.Is(err, core.ErrKeyNotFound) {
			return nil, &core.CoordinationError{
				Op:     "result.get",
				Kind:   "result",
				TaskID: taskID,
				Err:    core.ErrTaskNotFound,
			}
		}
		return nil, fmt.Errorf("failed to get result %s: %w", taskID, err)
	}

	var res Result
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result %s: %w", taskID, err)
	}
	return &res, nil
}

// Status returns the status of a task id. Unknown ids report failure with
// ErrTaskNotFound so registry refusal logic can treat them as terminal.
func (s *ResultStore) Status(ctx context.Context, taskID string) (core.TaskStatus, error) {
	res, err := s.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

// update applies fn to the stored record and writes it back, refreshing the
// retention TTL. Single writer per task id at each lifecycle step, so a plain
// read-modify-write is sufficient.
func (s *ResultStore) update(ctx context.Context, taskID string, fn func(*Result)) (*Result, error) {
	res, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	fn(res)

	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result %s: %w", taskID, err)
	}
	if err := s.store.Set(ctx, resultKey(taskID), string(data), s.config.TTL); err != nil {
		return nil, fmt.Errorf("failed to update result %s: %w", taskID, err)
	}
	return res, nil
}

// MarkStarted transitions the record to started and stamps the worker.
func (s *ResultStore) MarkStarted(ctx context.Context, taskID, workerID string) error {
	now := time.Now().UTC()
	_, err := s.update(ctx, taskID, func(res *Result) {
		res.Status = core.StatusStarted
		res.WorkerID = workerID
		res.StartedAt = &now
	})
	return err
}

// Finish writes the terminal outcome of a task.
func (s *ResultStore) Finish(ctx context.Context, taskID string, status core.TaskStatus, payload json.RawMessage, errMsg string) (*Result, error) {
	now := time.Now().UTC()
	res, err := s.update(ctx, taskID, func(res *Result) {
		res.Status = status
		res.Payload = payload
		res.Error = errMsg
		res.FinishedAt = &now
	})
	if err != nil {
		return nil, err
	}
	telemetry.Counter("que.task.finished", "status", string(status))
	return res, nil
}

// SetCallback links a finished task to the follow-up task chained after it.
func (s *ResultStore) SetCallback(ctx context.Context, taskID, callbackID string) error {
	_, err := s.update(ctx, taskID, func(res *Result) {
		res.Callback = callbackID
	})
	return err
}

// FollowCallback walks the callback chain from taskID and returns the
// result of the last link. With no callbacks chained it returns the task's
// own result.
func (s *ResultStore) FollowCallback(ctx context.Context, taskID string) (*Result, error) {
	res, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for depth := 0; res.Callback != ""; depth++ {
		if depth >= followMaxDepth {
			return nil, fmt.Errorf("callback chain from task %s exceeds %d links", taskID, followMaxDepth)
		}
		next, err := s.Get(ctx, res.Callback)
		if err != nil {
			// A pruned link ends the chain at the last readable result.
			if errors.Is(err, core.ErrTaskNotFound) {
				if s.logger != nil {
					s.logger.WarnWithContext(ctx, "Callback chain link missing", map[string]interface{}{
						"task_id": taskID,
						"missing": res.Callback,
					})
				}
				return res, nil
			}
			return nil, err
		}
		res = next
	}
	return res, nil
}

// Delete removes a result record. Used by submission rollback when the
// message could not be placed on the queue.
func (s *ResultStore) Delete(ctx context.Context, taskID string) error {
	if _, err := s.store.Delete(ctx, resultKey(taskID)); err != nil {
		return fmt.Errorf("failed to delete result %s: %w", taskID, err)
	}
	return nil
}
