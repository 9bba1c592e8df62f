package que

import (
	"context"

	"github.com/danubecloud/que/core"
	"github.com/danubecloud/que/lock"
	"github.com/danubecloud/que/registry"
	"github.com/danubecloud/que/tasklog"
	"github.com/danubecloud/que/telemetry"
)

// janitor performs the terminal-state bookkeeping every task must end with:
// one log entry, registry removal, lock release, event fan-out. The worker
// runs it with full message context after executing a callback; the client
// and the revocation path run the degraded emergencyLog variant, which
// reconstructs what it can from the registry entry alone.
type janitor struct {
	store    core.CoordinationStore
	registry *registry.Registry
	taskLog  *tasklog.TaskLog
	notifier core.Notifier
	logger   core.Logger
}

func registryEntryFor(msg *Message) registry.Entry {
	return registry.Entry{View: msg.View, Message: msg.Text}
}

// logEntryFor builds the task log entry for a finished message. Identity
// fields come from the task id; attribution fields from the message.
func logEntryFor(msg *Message, status core.TaskStatus, detail string) *tasklog.Entry {
	id := core.ParseTaskID(msg.TaskID)
	return &tasklog.Entry{
		TaskID:       msg.TaskID,
		Status:       status,
		TaskType:     id.TaskType(),
		UserID:       id.CreatorID,
		Username:     msg.Username,
		OwnerID:      id.OwnerID,
		ObjectType:   msg.ObjectType,
		ObjectName:   msg.ObjectName,
		ObjectAlias:  msg.ObjectAlias,
		ObjectPK:     msg.ObjectPK,
		DatacenterID: id.DatacenterID,
		Message:      msg.Text,
		Detail:       detail,
	}
}

// finish runs the terminal bookkeeping for a message: log entry, registry
// cleanup for the whole chain segment this message closes, lock release,
// remote-callback lookup and event fan-out. Every step is best-effort and
// independent; a failed step is logged and the rest still run, so a partial
// cleanup degrades instead of cascading.
func (j *janitor) finish(ctx context.Context, msg *Message, status core.TaskStatus, detail string, obj core.TaskLoggable) {
	if j.taskLog != nil {
		entry := logEntryFor(msg, status, detail)
		if obj != nil && entry.ObjectName == "" {
			entry.ObjectType = obj.ObjectType()
			entry.ObjectPK = obj.ObjectPK()
			entry.ObjectName = obj.ObjectName()
			entry.ObjectAlias = obj.ObjectAlias()
		}
		if err := j.taskLog.Append(ctx, entry); err != nil && j.logger != nil {
			j.logger.ErrorWithContext(ctx, "Failed to write task log entry", map[string]interface{}{
				"task_id": msg.TaskID,
				"error":   err.Error(),
			})
		}
	}

	// A callback closes its caller's registry entry too: the caller went
	// terminal when this callback was minted, and this is the exactly-once
	// point for its removal.
	j.unregister(ctx, msg.TaskID)
	if msg.Caller != "" {
		j.unregister(ctx, msg.Caller)
	}

	if obj != nil {
		if err := obj.ClearPendingTask(ctx, msg.TaskID); err != nil && j.logger != nil {
			j.logger.WarnWithContext(ctx, "Object pending-task cleanup failed", map[string]interface{}{
				"task_id":     msg.TaskID,
				"object_type": obj.ObjectType(),
				"object_pk":   obj.ObjectPK(),
				"error":       err.Error(),
			})
		}
	}

	j.releaseLock(ctx, msg.LockKey, msg.LockValue, msg.TaskID)
	j.notify(ctx, msg.TaskID, msg.Caller, status, detail)
	telemetry.Counter("que.cleanup", "status", string(status))
}

// emergencyLog is the degraded cleanup for tasks that die outside the
// normal execution path (revoked while queued or running, chain corruption).
// Only the registry entry and the task id itself are available, so the log
// entry carries no object attribution. Idempotent: an already-unregistered
// task is a no-op.
func (j *janitor) emergencyLog(ctx context.Context, taskID string, status core.TaskStatus, detail string) error {
	entry, err := j.registry.Get(ctx, taskID)
	if err != nil {
		if core.IsRegistryError(err) {
			// Already cleaned up. Double revocations land here.
			if j.logger != nil {
				j.logger.DebugWithContext(ctx, "Emergency cleanup found nothing to do", map[string]interface{}{
					"task_id": taskID,
				})
			}
			return nil
		}
		return err
	}

	if j.taskLog != nil {
		id := core.ParseTaskID(taskID)
		logEntry := &tasklog.Entry{
			TaskID:       taskID,
			Status:       status,
			TaskType:     id.TaskType(),
			UserID:       id.CreatorID,
			OwnerID:      id.OwnerID,
			DatacenterID: id.DatacenterID,
			Message:      entry.Message,
			Detail:       detail,
		}
		if err := j.taskLog.Append(ctx, logEntry); err != nil && j.logger != nil {
			j.logger.ErrorWithContext(ctx, "Failed to write emergency log entry", map[string]interface{}{
				"task_id": taskID,
				"error":   err.Error(),
			})
		}
	}

	j.unregister(ctx, taskID)

	// The lock key is unknown here; recover it through the reverse index.
	if key := lock.FindKeyByValue(ctx, j.store, taskID, j.logger); key != "" {
		j.releaseLock(ctx, key, taskID, taskID)
	}

	j.notify(ctx, taskID, "", status, detail)
	telemetry.Counter("que.cleanup.emergency", "status", string(status))
	return nil
}

func (j *janitor) unregister(ctx context.Context, taskID string) {
	if _, err := j.registry.Unregister(ctx, taskID); err != nil && j.logger != nil {
		j.logger.WarnWithContext(ctx, "Registry cleanup failed", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
	}
}

func (j *janitor) releaseLock(ctx context.Context, key, value, taskID string) {
	if key == "" {
		return
	}
	lk := lock.New(j.store, key, &lock.Config{Logger: j.logger})
	if _, err := lk.Release(ctx, lock.ReleaseOptions{ExpectedValue: value}); err != nil && j.logger != nil {
		j.logger.ErrorWithContext(ctx, "Failed to release operation lock", map[string]interface{}{
			"task_id":  taskID,
			"lock_key": key,
			"error":    err.Error(),
		})
	}
}

// notify fans the terminal event out: the notifier boundary always, plus a
// remote-callback detail when the user registered a URL for this task or
// for the chain's original caller.
func (j *janitor) notify(ctx context.Context, taskID, caller string, status core.TaskStatus, detail string) {
	if j.notifier == nil {
		return
	}
	fields := map[string]interface{}{}
	if detail != "" {
		fields["detail"] = detail
	}
	if url := UserCallback(ctx, j.store, taskID); url != "" {
		fields["callback_url"] = url
	} else if caller != "" {
		if url := UserCallback(ctx, j.store, caller); url != "" {
			fields["callback_url"] = url
		}
	}
	j.notifier.TaskFinished(ctx, taskID, status, fields)
}

// rollback dispatches the object's compensation helper matching the action
// tag of a failed operation. Rollback failures are logged, never raised
// over the original failure.
func (j *janitor) rollback(ctx context.Context, msg *Message, obj core.TaskLoggable) {
	rb, ok := obj.(core.Rollbacker)
	if !ok {
		return
	}
	var err error
	switch msg.Action {
	case ActionCreate:
		err = rb.RollbackCreate(ctx)
	case ActionUpdate:
		err = rb.RollbackUpdate(ctx)
	case ActionDelete:
		err = rb.RollbackDelete(ctx)
	default:
		return
	}
	if err != nil && j.logger != nil {
		j.logger.ErrorWithContext(ctx, "Rollback helper failed", map[string]interface{}{
			"task_id":     msg.TaskID,
			"action":      msg.Action,
			"object_type": obj.ObjectType(),
			"object_pk":   obj.ObjectPK(),
			"error":       err.Error(),
		})
	}
	telemetry.Counter("que.rollback", "action", msg.Action)
}
