package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chatbroker/chatbroker/internal/broker/models"
	apperrors "github.com/chatbroker/chatbroker/internal/common/errors"
	"github.com/chatbroker/chatbroker/internal/db/dialect"
)

const sessionCols = `id, account_id, shop_id, shop_name, platform, task_type, priority, state,
	max_inactive_minutes, message_count, transfer_reason, transferred_at,
	created_at, last_activity_at, updated_at`

// CreateSession inserts a new session row. Callers racing for the same
// (account, shop) slot get a unique violation from uq_sessions_active_slot
// and are expected to re-run admission.
func (r *Repository) CreateSession(ctx context.Context, q sqlx.ExtContext, s *models.Session) error {
	query := q.Rebind(`
		INSERT INTO sessions (id, account_id, shop_id, shop_name, platform, task_type, priority, state,
			max_inactive_minutes, message_count, transfer_reason, transferred_at,
			created_at, last_activity_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := q.ExecContext(ctx, query,
		s.ID, s.AccountID, s.ShopID, s.ShopName, s.Platform, s.TaskType, s.Priority, s.State,
		s.MaxInactiveMinutes, s.MessageCount, s.TransferReason, s.TransferredAt,
		s.CreatedAt, s.LastActivityAt, s.UpdatedAt)
	return err
}

// GetSession fetches a session by id from the read pool.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	query := r.ro.Rebind(fmt.Sprintf(`SELECT %s FROM sessions WHERE id = ?`, sessionCols))
	s, err := scanSession(r.ro.QueryRowxContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.SessionNotFound(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// FindSession fetches a session through q, returning nil when it does not
// exist. Transactional callers use this instead of GetSession.
func (r *Repository) FindSession(ctx context.Context, q sqlx.ExtContext, sessionID string) (*models.Session, error) {
	query := q.Rebind(fmt.Sprintf(`SELECT %s FROM sessions WHERE id = ?`, sessionCols))
	s, err := scanSession(q.QueryRowxContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}

// FindSlotSession returns the session currently holding the (account, shop)
// conversation slot, or nil when the slot is free.
func (r *Repository) FindSlotSession(ctx context.Context, q sqlx.ExtContext, accountID, shopID string) (*models.Session, error) {
	query := q.Rebind(fmt.Sprintf(`
		SELECT %s FROM sessions
		WHERE account_id = ? AND shop_id = ? AND state IN ('pending', 'active', 'transferred')
	`, sessionCols))
	s, err := scanSession(q.QueryRowxContext(ctx, query, accountID, shopID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find slot session: %w", err)
	}
	return s, nil
}

// FindNewestPaused returns the most recently created paused session for the
// pair, or nil when none is parked.
func (r *Repository) FindNewestPaused(ctx context.Context, q sqlx.ExtContext, accountID, shopID string) (*models.Session, error) {
	query := q.Rebind(fmt.Sprintf(`
		SELECT %s FROM sessions
		WHERE account_id = ? AND shop_id = ? AND state = 'paused'
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, sessionCols))
	s, err := scanSession(q.QueryRowxContext(ctx, query, accountID, shopID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find paused session: %w", err)
	}
	return s, nil
}

// UpdateSessionState flips state from -> to. Returns false when the session
// was not in the expected state, which callers treat as losing the race.
func (r *Repository) UpdateSessionState(ctx context.Context, q sqlx.ExtContext, sessionID string, from, to models.SessionState) (bool, error) {
	query := q.Rebind(`UPDATE sessions SET state = ?, updated_at = ? WHERE id = ? AND state = ?`)
	res, err := q.ExecContext(ctx, query, to, time.Now().UTC(), sessionID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update session state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkTransferred hands the session to a human operator. The inactivity
// clock restarts so the operator gets a full window.
func (r *Repository) MarkTransferred(ctx context.Context, q sqlx.ExtContext, sessionID, reason string, from models.SessionState) (bool, error) {
	now := time.Now().UTC()
	query := q.Rebind(`
		UPDATE sessions
		SET state = 'transferred', transfer_reason = ?, transferred_at = ?, last_activity_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`)
	res, err := q.ExecContext(ctx, query, reason, now, now, now, sessionID, from)
	if err != nil {
		return false, fmt.Errorf("failed to mark session transferred: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkPaused parks an active session so a higher-priority one can take the
// slot. The reason records who preempted it.
func (r *Repository) MarkPaused(ctx context.Context, q sqlx.ExtContext, sessionID, reason string) (bool, error) {
	query := q.Rebind(`
		UPDATE sessions SET state = 'paused', transfer_reason = ?, updated_at = ?
		WHERE id = ? AND state = 'active'
	`)
	res, err := q.ExecContext(ctx, query, reason, time.Now().UTC(), sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to pause session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResumeSession wakes a paused session back into the slot.
func (r *Repository) ResumeSession(ctx context.Context, q sqlx.ExtContext, sessionID string) (bool, error) {
	now := time.Now().UTC()
	query := q.Rebind(`
		UPDATE sessions SET state = 'active', transfer_reason = '', last_activity_at = ?, updated_at = ?
		WHERE id = ? AND state = 'paused'
	`)
	res, err := q.ExecContext(ctx, query, now, now, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to resume session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TouchSession advances last_activity_at, never moving it backwards. Out of
// order message batches make backwards touches routine.
func (r *Repository) TouchSession(ctx context.Context, q sqlx.ExtContext, sessionID string, at time.Time) error {
	expr := dialect.Greatest(r.driver(), "last_activity_at", "?")
	query := q.Rebind(fmt.Sprintf(`UPDATE sessions SET last_activity_at = %s, updated_at = ? WHERE id = ?`, expr))
	_, err := q.ExecContext(ctx, query, at, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// RecordMessageActivity bumps message_count and advances last_activity_at in
// one statement.
func (r *Repository) RecordMessageActivity(ctx context.Context, q sqlx.ExtContext, sessionID string, at time.Time) error {
	expr := dialect.Greatest(r.driver(), "last_activity_at", "?")
	query := q.Rebind(fmt.Sprintf(`
		UPDATE sessions SET message_count = message_count + 1, last_activity_at = %s, updated_at = ?
		WHERE id = ?
	`, expr))
	_, err := q.ExecContext(ctx, query, at, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to record message activity: %w", err)
	}
	return nil
}

// ListInactiveSessions returns live sessions whose inactivity exceeds their
// own max_inactive_minutes. The reaper times these out.
func (r *Repository) ListInactiveSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	cutoff := dialect.NowMinusMinutes(r.driver(), "max_inactive_minutes")
	query := r.ro.Rebind(fmt.Sprintf(`
		SELECT %s FROM sessions
		WHERE state IN ('active', 'transferred', 'paused') AND last_activity_at < %s
		ORDER BY last_activity_at
		LIMIT ?
	`, sessionCols, cutoff))
	return r.listSessions(ctx, query, limit)
}

// ListStalePending returns pending sessions created before the cutoff. These
// never went out to a worker and get timed out rather than left queued.
func (r *Repository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Session, error) {
	query := r.ro.Rebind(fmt.Sprintf(`
		SELECT %s FROM sessions
		WHERE state = 'pending' AND created_at < ?
		ORDER BY created_at
		LIMIT ?
	`, sessionCols))
	return r.listSessions(ctx, query, cutoff, limit)
}

func (r *Repository) listSessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := r.ro.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanSession(row interface{ Scan(dest ...any) error }) (*models.Session, error) {
	var s models.Session
	var transferredAt sql.NullTime
	err := row.Scan(
		&s.ID, &s.AccountID, &s.ShopID, &s.ShopName, &s.Platform, &s.TaskType, &s.Priority, &s.State,
		&s.MaxInactiveMinutes, &s.MessageCount, &s.TransferReason, &transferredAt,
		&s.CreatedAt, &s.LastActivityAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if transferredAt.Valid {
		t := transferredAt.Time
		s.TransferredAt = &t
	}
	return &s, nil
}
