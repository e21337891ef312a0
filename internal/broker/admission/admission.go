// Package admission decides whether a task producer may open a session on an
// (account, shop) conversation slot.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/chatbroker/chatbroker/internal/broker/models"
	"github.com/chatbroker/chatbroker/internal/broker/queue"
	"github.com/chatbroker/chatbroker/internal/broker/repository"
	"github.com/chatbroker/chatbroker/internal/common/config"
	apperrors "github.com/chatbroker/chatbroker/internal/common/errors"
	"github.com/chatbroker/chatbroker/internal/common/logger"
	"github.com/chatbroker/chatbroker/internal/db/dialect"
	"github.com/chatbroker/chatbroker/internal/events"
	"github.com/chatbroker/chatbroker/internal/events/bus"
)

// maxAdmitAttempts bounds the optimistic insert-retry when concurrent
// admissions race for one slot.
const maxAdmitAttempts = 3

const eventSource = "admission"

// errSlotChanged signals that the slot moved under us mid-decision; the
// attempt loop re-reads and decides again.
var errSlotChanged = errors.New("slot changed during admission")

// Request carries one producer's bid for a conversation slot.
type Request struct {
	AccountID          string
	ShopID             string
	ShopName           string
	Platform           string
	TaskType           models.TaskType
	ExternalTaskID     string
	SendContent        string
	MaxInactiveMinutes int
}

// Outcome names the admission decision.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeConflict  Outcome = "conflict"
)

// Result is the admission decision plus the rows it concerns. Session and
// Task are set for accepted and duplicate outcomes; Conflict holds the
// current slot owner on conflict.
type Result struct {
	Outcome  Outcome
	Session  *models.Session
	Task     *models.SendTask
	Conflict *models.Session
}

// admitEffects collects side effects decided inside the transaction so they
// can be published after commit.
type admitEffects struct {
	preempted   *models.Session
	preemptedTo models.SessionState
	cancelled   []int64
	retried     bool
}

// Controller runs the admission decision.
type Controller struct {
	repo     *repository.Repository
	queue    queue.Queue
	bus      bus.EventBus
	session  *config.SessionConfig
	dispatch *config.DispatchConfig
	log      *logger.Logger
}

// NewController wires the admission controller.
func NewController(repo *repository.Repository, q queue.Queue, eventBus bus.EventBus,
	sessionCfg *config.SessionConfig, dispatchCfg *config.DispatchConfig, log *logger.Logger) *Controller {
	return &Controller{
		repo:     repo,
		queue:    q,
		bus:      eventBus,
		session:  sessionCfg,
		dispatch: dispatchCfg,
		log:      log,
	}
}

// Admit decides the request against the current slot owner. Lookup and insert
// run as one transaction; when a concurrent admission wins the unique index
// race the decision is re-run from scratch, bounded by maxAdmitAttempts.
func (c *Controller) Admit(ctx context.Context, req *Request) (*Result, error) {
	if err := c.normalize(req); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxAdmitAttempts; attempt++ {
		res, effects, err := c.admitOnce(ctx, req)
		if err == nil {
			c.afterCommit(ctx, res, effects)
			return res, nil
		}
		if dialect.IsUniqueViolation(err) || errors.Is(err, errSlotChanged) {
			c.log.Debug("Admission lost slot race, retrying",
				zap.String("account_id", req.AccountID),
				zap.String("shop_id", req.ShopID),
				zap.Int("attempt", attempt+1))
			lastErr = err
			continue
		}
		return nil, err
	}
	c.log.Warn("Admission retries exhausted",
		zap.String("account_id", req.AccountID),
		zap.String("shop_id", req.ShopID),
		zap.Error(lastErr))
	return nil, apperrors.Unavailable(fmt.Sprintf(
		"conversation slot for account '%s' shop '%s' is contended, try again", req.AccountID, req.ShopID))
}

func (c *Controller) normalize(req *Request) error {
	if req.AccountID == "" || req.ShopID == "" {
		return apperrors.Validation("account_id and shop_id are required")
	}
	if req.ExternalTaskID == "" {
		return apperrors.Validation("external_task_id is required")
	}
	if !req.TaskType.Valid() {
		return apperrors.Validation(fmt.Sprintf("unknown task_type '%s'", req.TaskType))
	}
	if req.Platform == "" {
		req.Platform = models.DefaultPlatform
	}
	if req.ShopName == "" {
		req.ShopName = req.ShopID
	}
	if req.MaxInactiveMinutes <= 0 {
		if req.TaskType.IsBot() {
			req.MaxInactiveMinutes = c.session.DefaultMaxInactiveMinutes
		} else {
			req.MaxInactiveMinutes = c.session.DefaultHumanMaxInactiveMinutes
		}
	}
	return nil
}

func (c *Controller) admitOnce(ctx context.Context, req *Request) (*Result, *admitEffects, error) {
	var res *Result
	effects := &admitEffects{}

	err := c.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		// Replay detection first: a producer retrying its POST gets the
		// original session back with no new rows.
		existing, err := c.repo.GetSendTaskByExternalID(ctx, tx, req.ExternalTaskID)
		if err != nil {
			return err
		}
		if existing != nil {
			owner, err := c.repo.FindSession(ctx, tx, existing.SessionID)
			if err != nil {
				return err
			}
			if owner == nil {
				return apperrors.Internal(fmt.Sprintf("task %d has no session", existing.ID), nil)
			}
			// A replay of a failed first send is the explicit retry: the
			// session still holds the slot in PENDING, so the task goes back
			// to PENDING and onto the queue for another worker attempt.
			if existing.Status == models.TaskStatusFailed && owner.State == models.SessionStatePending {
				ok, err := c.repo.RetrySendTask(ctx, tx, existing.ID)
				if err != nil {
					return err
				}
				if ok {
					existing.Status = models.TaskStatusPending
					existing.Error = ""
					existing.SentAt = nil
					effects.retried = true
				}
			}
			res = &Result{Outcome: OutcomeDuplicate, Session: owner, Task: existing}
			return nil
		}

		owner, err := c.repo.FindSlotSession(ctx, tx, req.AccountID, req.ShopID)
		if err != nil {
			return err
		}
		if owner != nil {
			if !c.mayPreempt(req.TaskType, owner) {
				res = &Result{Outcome: OutcomeConflict, Conflict: owner}
				return nil
			}
			if err := c.preempt(ctx, tx, req, owner, effects); err != nil {
				return err
			}
		}

		if err := c.repo.EnsureAccount(ctx, tx, req.AccountID, req.Platform); err != nil {
			return err
		}
		if err := c.repo.EnsureShop(ctx, tx, req.ShopID, req.ShopName, req.Platform); err != nil {
			return err
		}

		now := time.Now().UTC()
		session := &models.Session{
			ID:                 models.NewSessionID(),
			AccountID:          req.AccountID,
			ShopID:             req.ShopID,
			ShopName:           req.ShopName,
			Platform:           req.Platform,
			TaskType:           req.TaskType,
			Priority:           req.TaskType.Priority(),
			State:              models.SessionStatePending,
			MaxInactiveMinutes: req.MaxInactiveMinutes,
			CreatedAt:          now,
			LastActivityAt:     now,
			UpdatedAt:          now,
		}
		if err := c.repo.CreateSession(ctx, tx, session); err != nil {
			return err
		}

		task := &models.SendTask{
			SessionID:      session.ID,
			ExternalTaskID: req.ExternalTaskID,
			TaskType:       req.TaskType,
			SendContent:    req.SendContent,
			SendURL:        c.sendURL(req.Platform, req.ShopID),
			ShopName:       req.ShopName,
			Status:         models.TaskStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := c.repo.CreateSendTask(ctx, tx, task); err != nil {
			return err
		}

		op := &models.OperationRecord{
			SessionID: session.ID,
			Operation: models.OperationCreated,
			Detail:    string(req.TaskType),
			CreatedAt: now,
		}
		if err := c.repo.InsertOperation(ctx, tx, op); err != nil {
			return err
		}

		res = &Result{Outcome: OutcomeAccepted, Session: session, Task: task}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return res, effects, nil
}

// mayPreempt says whether the new task type may evict the current owner.
// Bots never preempt; humans preempt strictly lower priorities only; a
// TRANSFERRED session never yields because a human already owns the
// conversation.
func (c *Controller) mayPreempt(taskType models.TaskType, owner *models.Session) bool {
	if taskType.IsBot() {
		return false
	}
	if owner.State == models.SessionStateTransferred {
		return false
	}
	return taskType.Priority() < owner.Priority
}

func (c *Controller) preempt(ctx context.Context, tx *sqlx.Tx, req *Request, owner *models.Session, effects *admitEffects) error {
	reason := "preempted_by:" + string(req.TaskType)
	now := time.Now().UTC()

	switch owner.State {
	case models.SessionStateActive:
		ok, err := c.repo.MarkPaused(ctx, tx, owner.ID, reason)
		if err != nil {
			return err
		}
		if !ok {
			return errSlotChanged
		}
		effects.preempted = owner
		effects.preemptedTo = models.SessionStatePaused

	case models.SessionStatePending:
		// A pending session has nothing to resume later; cancel it and its
		// undispatched task outright.
		ok, err := c.repo.UpdateSessionState(ctx, tx, owner.ID, models.SessionStatePending, models.SessionStateCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return errSlotChanged
		}
		ids, err := c.repo.CancelPendingTasks(ctx, tx, owner.ID)
		if err != nil {
			return err
		}
		effects.preempted = owner
		effects.preemptedTo = models.SessionStateCancelled
		effects.cancelled = ids

	default:
		return errSlotChanged
	}

	op := &models.OperationRecord{
		SessionID: owner.ID,
		Operation: models.OperationPreempted,
		Detail:    reason,
		Notify:    true,
		CreatedAt: now,
	}
	return c.repo.InsertOperation(ctx, tx, op)
}

// afterCommit runs side effects that must not sit inside the transaction:
// queue push and event publication. Failures are logged, not returned; the
// reconciler re-pushes lost tasks and events are best effort.
func (c *Controller) afterCommit(ctx context.Context, res *Result, effects *admitEffects) {
	if res.Outcome == OutcomeDuplicate && effects.retried {
		if err := c.queue.Push(ctx, res.Task.ID); err != nil {
			c.log.Warn("Failed to queue retried send task, reconciler will recover it",
				zap.Int64("task_id", res.Task.ID), zap.Error(err))
		} else {
			c.publish(ctx, events.BuildTaskSubject(events.TaskRequeued, strconv.FormatInt(res.Task.ID, 10)),
				events.TaskRequeued, map[string]interface{}{
					"task_id":    res.Task.ID,
					"session_id": res.Session.ID,
					"reason":     "producer_retry",
				})
		}
		return
	}
	if res.Outcome != OutcomeAccepted {
		return
	}

	if err := c.queue.Push(ctx, res.Task.ID); err != nil {
		c.log.Warn("Failed to queue send task, reconciler will recover it",
			zap.Int64("task_id", res.Task.ID), zap.Error(err))
	} else {
		c.publish(ctx, events.BuildTaskSubject(events.TaskQueued, strconv.FormatInt(res.Task.ID, 10)),
			events.TaskQueued, map[string]interface{}{
				"task_id":    res.Task.ID,
				"session_id": res.Session.ID,
				"task_type":  string(res.Task.TaskType),
			})
	}

	c.publish(ctx, events.BuildSessionSubject(events.SessionCreated, res.Session.ID),
		events.SessionCreated, map[string]interface{}{
			"session_id": res.Session.ID,
			"account_id": res.Session.AccountID,
			"shop_id":    res.Session.ShopID,
			"task_type":  string(res.Session.TaskType),
			"priority":   res.Session.Priority,
		})

	if effects.preempted != nil {
		c.publish(ctx, events.BuildSessionSubject(events.SessionPreempted, effects.preempted.ID),
			events.SessionPreempted, map[string]interface{}{
				"session_id":   effects.preempted.ID,
				"preempted_by": string(res.Session.TaskType),
				"to_state":     string(effects.preemptedTo),
			})
		if effects.preemptedTo == models.SessionStateCancelled {
			c.publish(ctx, events.BuildSessionSubject(events.SessionCancelled, effects.preempted.ID),
				events.SessionCancelled, map[string]interface{}{
					"session_id": effects.preempted.ID,
					"account_id": effects.preempted.AccountID,
					"shop_id":    effects.preempted.ShopID,
					"reason":     "preempted",
				})
		}
		if len(effects.cancelled) > 0 {
			c.log.Info("Cancelled queued tasks of preempted session",
				zap.String("session_id", effects.preempted.ID),
				zap.Int64s("task_ids", effects.cancelled))
		}
	}
}

func (c *Controller) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if err := c.bus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		c.log.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// sendURL renders the platform's send URL template with the shop id.
func (c *Controller) sendURL(platform, shopID string) string {
	tpl := c.dispatch.SendURLTemplate(platform)
	if tpl == "" {
		c.log.Warn("No send URL template for platform", zap.String("platform", platform))
		return ""
	}
	return strings.ReplaceAll(tpl, "{shop_id}", url.QueryEscape(shopID))
}
