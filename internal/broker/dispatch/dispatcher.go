// Package dispatch hands queued send tasks to RPA workers and reconciles the
// advisory queue against the store.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/chatbroker/chatbroker/internal/broker/models"
	"github.com/chatbroker/chatbroker/internal/broker/queue"
	"github.com/chatbroker/chatbroker/internal/broker/repository"
	"github.com/chatbroker/chatbroker/internal/broker/session"
	"github.com/chatbroker/chatbroker/internal/common/config"
	apperrors "github.com/chatbroker/chatbroker/internal/common/errors"
	"github.com/chatbroker/chatbroker/internal/common/logger"
	"github.com/chatbroker/chatbroker/internal/events"
	"github.com/chatbroker/chatbroker/internal/events/bus"
)

const (
	// reconcileBatchSize bounds one reconciler pass.
	reconcileBatchSize = 200

	// defaultPendingLimit and maxPendingLimit clamp the pending-tasks listing.
	defaultPendingLimit = 10
	maxPendingLimit     = 100

	eventSource = "dispatch"
)

// Dispatcher is the worker-facing side of the broker. Workers poll
// NextTaskID, fetch the payload with GetSendInfo and report the outcome via
// Complete. The queue only carries task ids; the store is authoritative, and
// the reconciler re-pushes pending tasks whose queue entry went missing.
type Dispatcher struct {
	repo     *repository.Repository
	queue    queue.Queue
	manager  *session.Manager
	bus      bus.EventBus
	dispatch *config.DispatchConfig
	log      *logger.Logger
}

// NewDispatcher wires the task dispatcher.
func NewDispatcher(repo *repository.Repository, q queue.Queue, manager *session.Manager,
	eventBus bus.EventBus, dispatchCfg *config.DispatchConfig, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		queue:    q,
		manager:  manager,
		bus:      eventBus,
		dispatch: dispatchCfg,
		log:      log,
	}
}

// NextTaskID pops the next queued task id without blocking. ok is false when
// the queue is empty. A popped id may point at a task that was cancelled
// after queueing; GetSendInfo rejects those.
func (d *Dispatcher) NextTaskID(ctx context.Context) (int64, bool, error) {
	id, ok, err := d.queue.Pop(ctx)
	if err != nil {
		return 0, false, apperrors.DownstreamUnavailable("task queue", err)
	}
	return id, ok, nil
}

// GetSendInfo returns the send payload for a task and marks it handed out.
// Only the first read flips PENDING to SENT; repeat reads while SENT return
// the same payload so a worker may safely retry the fetch. Tasks already
// cancelled, completed or failed reject with INVALID_STATE.
func (d *Dispatcher) GetSendInfo(ctx context.Context, taskID int64) (*models.SendTask, error) {
	task, err := d.repo.GetSendTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch task.Status {
	case models.TaskStatusPending:
		ok, err := d.repo.MarkTaskSent(ctx, d.repo.DB(), taskID)
		if err != nil {
			return nil, err
		}
		if ok {
			task.Status = models.TaskStatusSent
			// The hand-off counts as activity; keep the reaper off the session
			// while the worker types out the send.
			if err := d.manager.Touch(ctx, task.SessionID, time.Now().UTC()); err != nil {
				d.log.Warn("Failed to touch session on task hand-off",
					zap.String("session_id", task.SessionID), zap.Error(err))
			}
			d.publish(ctx, events.BuildTaskSubject(events.TaskSent, strconv.FormatInt(taskID, 10)),
				events.TaskSent, map[string]interface{}{
					"task_id":    taskID,
					"session_id": task.SessionID,
				})
			return task, nil
		}
		// Lost the flip race; re-read for the truth.
		task, err = d.repo.GetSendTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Status == models.TaskStatusSent {
			return task, nil
		}
		return nil, apperrors.InvalidTaskState(strconv.FormatInt(taskID, 10), string(task.Status))

	case models.TaskStatusSent:
		return task, nil

	default:
		return nil, apperrors.InvalidTaskState(strconv.FormatInt(taskID, 10), string(task.Status))
	}
}

// Complete reports the send outcome for a session's outstanding task.
func (d *Dispatcher) Complete(ctx context.Context, sessionID string, success bool, errorMessage string) (*models.Session, error) {
	return d.manager.Complete(ctx, sessionID, success, errorMessage)
}

// ListPending returns undispatched tasks ordered by session priority for
// operator dashboards. The limit is clamped to a sane range.
func (d *Dispatcher) ListPending(ctx context.Context, limit int) ([]repository.PendingTaskWithPriority, error) {
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	if limit > maxPendingLimit {
		limit = maxPendingLimit
	}
	return d.repo.ListPendingTasks(ctx, limit)
}

// QueueDepth reports how many task ids are waiting in the queue.
func (d *Dispatcher) QueueDepth(ctx context.Context) (int, error) {
	return d.queue.Len(ctx)
}

// Reconcile re-pushes tasks still PENDING past the requeue grace: their queue
// entry was either consumed by a worker that died before fetching the payload
// or lost with the queue itself. Push deduplicates, so re-pushing a task that
// is still queued is harmless.
func (d *Dispatcher) Reconcile(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-d.dispatch.RequeueGrace())
	tasks, err := d.repo.ListStalePendingTasks(ctx, cutoff, reconcileBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale pending tasks: %w", err)
	}

	requeued := 0
	for _, task := range tasks {
		if err := d.queue.Push(ctx, task.ID); err != nil {
			d.log.Warn("reconciler: failed to re-queue task",
				zap.Int64("task_id", task.ID), zap.Error(err))
			continue
		}
		requeued++
		d.publish(ctx, events.BuildTaskSubject(events.TaskRequeued, strconv.FormatInt(task.ID, 10)),
			events.TaskRequeued, map[string]interface{}{
				"task_id":    task.ID,
				"session_id": task.SessionID,
			})
	}
	if requeued > 0 {
		d.log.Info("reconciler: re-queued stale pending tasks", zap.Int("count", requeued))
	}
	return requeued, nil
}

// RunReconcileLoop reconciles the queue against the store on the configured
// interval. It blocks until ctx is cancelled and always returns nil, so it can
// run under an errgroup without tearing down its siblings.
func (d *Dispatcher) RunReconcileLoop(ctx context.Context) error {
	interval := d.dispatch.ReconcileInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.log.Info("reconciler: loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			d.log.Info("reconciler: loop stopped")
			return nil
		case <-ticker.C:
			if _, err := d.Reconcile(ctx); err != nil {
				d.log.Error("reconciler: pass failed", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if err := d.bus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		d.log.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
