// Package session drives the session lifecycle after admission: completion
// with first-send coupling, explicit transfers, activity tracking, slot
// release and the timeout reaper.
package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/chatbroker/chatbroker/internal/broker/models"
	"github.com/chatbroker/chatbroker/internal/broker/repository"
	"github.com/chatbroker/chatbroker/internal/common/config"
	apperrors "github.com/chatbroker/chatbroker/internal/common/errors"
	"github.com/chatbroker/chatbroker/internal/common/logger"
	"github.com/chatbroker/chatbroker/internal/events"
	"github.com/chatbroker/chatbroker/internal/events/bus"
)

const (
	// reapBatchSize bounds one reaper pass; leftovers wait for the next tick.
	reapBatchSize = 100

	eventSource = "session"

	// transferToHuman is the receiving side recorded on every handover.
	transferToHuman = "human"
)

// Manager owns session state transitions. All multi-step transitions run in
// a single transaction; the freed slot is handed to the newest paused session
// in the same transaction so the pair never goes ownerless in between.
type Manager struct {
	repo    *repository.Repository
	bus     bus.EventBus
	session *config.SessionConfig
	log     *logger.Logger
}

// NewManager wires the session manager.
func NewManager(repo *repository.Repository, eventBus bus.EventBus, sessionCfg *config.SessionConfig, log *logger.Logger) *Manager {
	return &Manager{
		repo:    repo,
		bus:     eventBus,
		session: sessionCfg,
		log:     log,
	}
}

// completeEffects collects in-transaction outcomes so events publish after
// commit.
type completeEffects struct {
	taskCompleted int64
	taskFailed    int64
	activated     bool
	completed     bool
	resumed       *models.Session
	errorMessage  string
}

// Get returns the session by id.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return m.repo.GetSession(ctx, sessionID)
}

// Complete reports the outcome of the session's outstanding send work and
// finishes the conversation. On success the most recent SENT task flips to
// COMPLETED; completing the first send also activates a PENDING session
// before the final transition to COMPLETED. On failure the task flips to
// FAILED: a PENDING session keeps its slot for a retry push, while an ACTIVE
// or TRANSFERRED session still completes with the error kept on the audit
// row. PAUSED and terminal sessions reject with INVALID_STATE.
func (m *Manager) Complete(ctx context.Context, sessionID string, success bool, errorMessage string) (*models.Session, error) {
	var (
		sess *models.Session
		eff  completeEffects
	)
	eff.errorMessage = errorMessage

	err := m.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		s, err := m.repo.FindSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return apperrors.SessionNotFound(sessionID)
		}
		if s.State == models.SessionStatePaused || s.State.IsTerminal() {
			return apperrors.InvalidState(s.ID, string(s.State), string(models.SessionStateCompleted))
		}
		sess = s

		task, err := m.repo.LatestTaskForSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		if success {
			return m.completeSuccess(ctx, tx, s, task, &eff)
		}
		return m.completeFailure(ctx, tx, s, task, errorMessage, &eff)
	})
	if err != nil {
		return nil, err
	}

	m.publishComplete(ctx, sess, success, &eff)
	return sess, nil
}

func (m *Manager) completeSuccess(ctx context.Context, tx *sqlx.Tx, s *models.Session, task *models.SendTask, eff *completeEffects) error {
	if task != nil && task.Status == models.TaskStatusSent {
		ok, err := m.repo.CompleteTask(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		if ok {
			eff.taskCompleted = task.ID
			// First-send coupling: a confirmed send activates the session
			// before it can finish.
			if s.State == models.SessionStatePending {
				activated, err := m.repo.UpdateSessionState(ctx, tx, s.ID, models.SessionStatePending, models.SessionStateActive)
				if err != nil {
					return err
				}
				if activated {
					s.State = models.SessionStateActive
					eff.activated = true
				}
			}
		}
	}

	if s.State != models.SessionStateActive && s.State != models.SessionStateTransferred {
		return apperrors.InvalidState(s.ID, string(s.State), string(models.SessionStateCompleted))
	}
	return m.finishSession(ctx, tx, s, "", eff)
}

func (m *Manager) completeFailure(ctx context.Context, tx *sqlx.Tx, s *models.Session, task *models.SendTask, errorMessage string, eff *completeEffects) error {
	if task != nil && task.Status == models.TaskStatusSent {
		ok, err := m.repo.FailTask(ctx, tx, task.ID, errorMessage)
		if err != nil {
			return err
		}
		if ok {
			eff.taskFailed = task.ID
		}
	}

	if s.State == models.SessionStatePending {
		// The first send never made it out; the slot stays held so a retry
		// can be pushed for the same conversation.
		return m.repo.InsertOperation(ctx, tx, &models.OperationRecord{
			SessionID: s.ID,
			Operation: models.OperationFailed,
			Detail:    errorMessage,
			CreatedAt: time.Now().UTC(),
		})
	}
	return m.finishSession(ctx, tx, s, errorMessage, eff)
}

// finishSession moves an ACTIVE or TRANSFERRED session to COMPLETED, records
// the audit row and hands the freed slot to the newest paused session.
func (m *Manager) finishSession(ctx context.Context, tx *sqlx.Tx, s *models.Session, detail string, eff *completeEffects) error {
	ok, err := m.repo.UpdateSessionState(ctx, tx, s.ID, s.State, models.SessionStateCompleted)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.InvalidState(s.ID, string(s.State), string(models.SessionStateCompleted))
	}
	s.State = models.SessionStateCompleted
	eff.completed = true

	if err := m.repo.InsertOperation(ctx, tx, &models.OperationRecord{
		SessionID: s.ID,
		Operation: models.OperationCompleted,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	resumed, err := m.releaseSlot(ctx, tx, s.AccountID, s.ShopID)
	if err != nil {
		return err
	}
	eff.resumed = resumed
	return nil
}

// releaseSlot resumes the newest paused session for the pair, if any. Runs
// inside the caller's transaction so the handover is atomic with the state
// change that freed the slot.
func (m *Manager) releaseSlot(ctx context.Context, tx *sqlx.Tx, accountID, shopID string) (*models.Session, error) {
	paused, err := m.repo.FindNewestPaused(ctx, tx, accountID, shopID)
	if err != nil {
		return nil, err
	}
	if paused == nil {
		return nil, nil
	}
	ok, err := m.repo.ResumeSession(ctx, tx, paused.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	paused.State = models.SessionStateActive
	paused.TransferReason = ""

	if err := m.repo.InsertOperation(ctx, tx, &models.OperationRecord{
		SessionID: paused.ID,
		Operation: models.OperationReleased,
		Detail:    "slot freed",
		Notify:    true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	return paused, nil
}

// Transfer hands an ACTIVE session to a human operator: writes the transfer
// record, stamps the reason and emits a notifying audit row.
func (m *Manager) Transfer(ctx context.Context, sessionID, reason, urgency string) (*models.Session, error) {
	var sess *models.Session

	err := m.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		s, err := m.repo.FindSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return apperrors.SessionNotFound(sessionID)
		}
		if s.State != models.SessionStateActive {
			return apperrors.InvalidState(s.ID, string(s.State), string(models.SessionStateTransferred))
		}

		ok, err := m.repo.MarkTransferred(ctx, tx, s.ID, reason, models.SessionStateActive)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.InvalidState(s.ID, string(s.State), string(models.SessionStateTransferred))
		}
		now := time.Now().UTC()
		s.State = models.SessionStateTransferred
		s.TransferReason = reason
		s.TransferredAt = &now

		if err := m.repo.InsertTransferRecord(ctx, tx, &models.TransferRecord{
			SessionID:     s.ID,
			FromType:      string(s.TaskType),
			ToType:        transferToHuman,
			Reason:        reason,
			Urgency:       urgency,
			TransferredAt: now,
		}); err != nil {
			return err
		}

		if err := m.repo.InsertOperation(ctx, tx, &models.OperationRecord{
			SessionID: s.ID,
			Operation: models.OperationTransferred,
			Detail:    reason,
			Notify:    true,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(ctx, events.BuildSessionSubject(events.SessionTransferred, sess.ID),
		events.SessionTransferred, map[string]interface{}{
			"session_id": sess.ID,
			"reason":     reason,
			"urgency":    urgency,
		})
	return sess, nil
}

// Touch advances the session's activity clock, never moving it backwards.
func (m *Manager) Touch(ctx context.Context, sessionID string, at time.Time) error {
	return m.repo.TouchSession(ctx, m.repo.DB(), sessionID, at)
}

// Reap times out overdue sessions: pending ones that outlived the activation
// grace, then any non-terminal session whose per-row inactivity window
// lapsed. Each session is reaped in its own transaction with a conditional
// flip, so concurrent reapers and live traffic stay safe.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	reaped := 0

	cutoff := time.Now().UTC().Add(-m.session.PendingGrace())
	stale, err := m.repo.ListStalePending(ctx, cutoff, reapBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale pending sessions: %w", err)
	}
	for _, s := range stale {
		ok, err := m.reapOne(ctx, s, "pending_grace_exceeded")
		if err != nil {
			m.log.Error("reaper: failed to time out session",
				zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		if ok {
			reaped++
		}
	}

	idle, err := m.repo.ListInactiveSessions(ctx, reapBatchSize)
	if err != nil {
		return reaped, fmt.Errorf("failed to list inactive sessions: %w", err)
	}
	for _, s := range idle {
		ok, err := m.reapOne(ctx, s, "max_inactive_exceeded")
		if err != nil {
			m.log.Error("reaper: failed to time out session",
				zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		if ok {
			reaped++
		}
	}

	if reaped > 0 {
		m.log.Info("reaper: timed out sessions", zap.Int("count", reaped))
	}
	return reaped, nil
}

func (m *Manager) reapOne(ctx context.Context, s *models.Session, reason string) (bool, error) {
	var (
		reaped  bool
		resumed *models.Session
	)
	err := m.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := m.repo.UpdateSessionState(ctx, tx, s.ID, s.State, models.SessionStateTimeout)
		if err != nil {
			return err
		}
		if !ok {
			// The session moved on between listing and reaping.
			return nil
		}
		reaped = true

		if _, err := m.repo.CancelPendingTasks(ctx, tx, s.ID); err != nil {
			return err
		}
		if err := m.repo.InsertOperation(ctx, tx, &models.OperationRecord{
			SessionID: s.ID,
			Operation: models.OperationTimeout,
			Detail:    reason,
			Notify:    true,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}

		// A paused session never held the slot, so there is nothing to hand
		// over when it times out.
		if s.State != models.SessionStatePaused {
			resumed, err = m.releaseSlot(ctx, tx, s.AccountID, s.ShopID)
			return err
		}
		return nil
	})
	if err != nil || !reaped {
		return false, err
	}

	m.publish(ctx, events.BuildSessionSubject(events.SessionTimeout, s.ID),
		events.SessionTimeout, map[string]interface{}{
			"session_id": s.ID,
			"account_id": s.AccountID,
			"shop_id":    s.ShopID,
			"from_state": string(s.State),
			"reason":     reason,
		})
	m.publishResumed(ctx, resumed)
	return true, nil
}

// RunReaperLoop reaps overdue sessions on the configured interval. It blocks
// until ctx is cancelled and always returns nil, so it can run under an
// errgroup without tearing down its siblings.
func (m *Manager) RunReaperLoop(ctx context.Context) error {
	interval := m.session.ReapInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info("reaper: loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.log.Info("reaper: loop stopped")
			return nil
		case <-ticker.C:
			if _, err := m.Reap(ctx); err != nil {
				m.log.Error("reaper: pass failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) publishComplete(ctx context.Context, s *models.Session, success bool, eff *completeEffects) {
	if eff.taskCompleted != 0 {
		m.publish(ctx, events.BuildTaskSubject(events.TaskCompleted, formatTaskID(eff.taskCompleted)),
			events.TaskCompleted, map[string]interface{}{
				"task_id":    eff.taskCompleted,
				"session_id": s.ID,
			})
	}
	if eff.taskFailed != 0 {
		m.publish(ctx, events.BuildTaskSubject(events.TaskFailed, formatTaskID(eff.taskFailed)),
			events.TaskFailed, map[string]interface{}{
				"task_id":    eff.taskFailed,
				"session_id": s.ID,
				"error":      eff.errorMessage,
			})
	}
	if eff.activated {
		m.publish(ctx, events.BuildSessionSubject(events.SessionActivated, s.ID),
			events.SessionActivated, map[string]interface{}{
				"session_id": s.ID,
			})
	}
	if eff.completed {
		m.publish(ctx, events.BuildSessionSubject(events.SessionCompleted, s.ID),
			events.SessionCompleted, map[string]interface{}{
				"session_id": s.ID,
				"account_id": s.AccountID,
				"shop_id":    s.ShopID,
				"success":    success,
			})
	}
	m.publishResumed(ctx, eff.resumed)
}

func (m *Manager) publishResumed(ctx context.Context, resumed *models.Session) {
	if resumed == nil {
		return
	}
	m.log.Info("Resumed paused session after slot release",
		zap.String("session_id", resumed.ID),
		zap.String("account_id", resumed.AccountID),
		zap.String("shop_id", resumed.ShopID))
	m.publish(ctx, events.BuildSessionSubject(events.SessionReleased, resumed.ID),
		events.SessionReleased, map[string]interface{}{
			"session_id": resumed.ID,
			"account_id": resumed.AccountID,
			"shop_id":    resumed.ShopID,
		})
}

func (m *Manager) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		m.log.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func formatTaskID(id int64) string {
	return strconv.FormatInt(id, 10)
}
