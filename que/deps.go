package que

import (
	"github.com/go-redis/redis/v8"

	"github.com/danubecloud/que/core"
	"github.com/danubecloud/que/registry"
	"github.com/danubecloud/que/tasklog"
)

// Deps bundles the shared infrastructure both the Client and the WorkerPool
// operate on. Redis and Store point at the same instance: Store namespaces
// coordination keys, Redis carries queues and pub/sub directly.
type Deps struct {
	Redis    *redis.Client
	Store    core.CoordinationStore
	Results  *ResultStore
	Registry *registry.Registry
	TaskLog  *tasklog.TaskLog
	Notifier core.Notifier
}

func (d *Deps) validate() error {
	if d.Redis == nil || d.Store == nil || d.Results == nil || d.Registry == nil {
		return core.ErrMissingConfiguration
	}
	if d.Notifier == nil {
		d.Notifier = &core.NoOpNotifier{}
	}
	return nil
}
