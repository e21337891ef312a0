package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chatbroker/chatbroker/internal/broker/models"
	apperrors "github.com/chatbroker/chatbroker/internal/common/errors"
	"github.com/chatbroker/chatbroker/internal/db/dialect"
)

const taskCols = `id, session_id, external_task_id, task_type, send_content, send_url, shop_name,
	status, error, created_at, updated_at, sent_at, completed_at`

// CreateSendTask inserts a send task and fills in its generated id.
func (r *Repository) CreateSendTask(ctx context.Context, q sqlx.ExtContext, t *models.SendTask) error {
	query := `
		INSERT INTO session_tasks (session_id, external_task_id, task_type, send_content, send_url, shop_name,
			status, error, created_at, updated_at, sent_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	id, err := dialect.InsertReturningID(ctx, q, query,
		t.SessionID, t.ExternalTaskID, t.TaskType, t.SendContent, t.SendURL, t.ShopName,
		t.Status, t.Error, t.CreatedAt, t.UpdatedAt, t.SentAt, t.CompletedAt)
	if err != nil {
		return err
	}
	t.ID = id
	return nil
}

// GetSendTask fetches a task by id from the read pool.
func (r *Repository) GetSendTask(ctx context.Context, taskID int64) (*models.SendTask, error) {
	query := r.ro.Rebind(fmt.Sprintf(`SELECT %s FROM session_tasks WHERE id = ?`, taskCols))
	t, err := scanSendTask(r.ro.QueryRowxContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.TaskNotFound(strconv.FormatInt(taskID, 10))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get send task: %w", err)
	}
	return t, nil
}

// GetSendTaskByExternalID returns the task carrying the producer's id, or
// nil when it was never admitted. Admission uses this for replay detection.
func (r *Repository) GetSendTaskByExternalID(ctx context.Context, q sqlx.ExtContext, externalTaskID string) (*models.SendTask, error) {
	query := q.Rebind(fmt.Sprintf(`SELECT %s FROM session_tasks WHERE external_task_id = ?`, taskCols))
	t, err := scanSendTask(q.QueryRowxContext(ctx, query, externalTaskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get send task by external id: %w", err)
	}
	return t, nil
}

// LatestTaskForSession returns the most recent task on the session, or nil.
func (r *Repository) LatestTaskForSession(ctx context.Context, q sqlx.ExtContext, sessionID string) (*models.SendTask, error) {
	query := q.Rebind(fmt.Sprintf(`
		SELECT %s FROM session_tasks WHERE session_id = ? ORDER BY id DESC LIMIT 1
	`, taskCols))
	t, err := scanSendTask(q.QueryRowxContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest task for session: %w", err)
	}
	return t, nil
}

// MarkTaskSent flips pending -> sent. Returns false when another worker got
// there first, which keeps handout at most once.
func (r *Repository) MarkTaskSent(ctx context.Context, q sqlx.ExtContext, taskID int64) (bool, error) {
	now := time.Now().UTC()
	query := q.Rebind(`
		UPDATE session_tasks SET status = 'sent', sent_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`)
	return r.flipStatus(ctx, q, query, now, now, taskID)
}

// CompleteTask flips sent -> completed.
func (r *Repository) CompleteTask(ctx context.Context, q sqlx.ExtContext, taskID int64) (bool, error) {
	now := time.Now().UTC()
	query := q.Rebind(`
		UPDATE session_tasks SET status = 'completed', completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'sent'
	`)
	return r.flipStatus(ctx, q, query, now, now, taskID)
}

// FailTask flips sent -> failed and records the worker's error message.
func (r *Repository) FailTask(ctx context.Context, q sqlx.ExtContext, taskID int64, errMsg string) (bool, error) {
	query := q.Rebind(`
		UPDATE session_tasks SET status = 'failed', error = ?, updated_at = ?
		WHERE id = ? AND status = 'sent'
	`)
	return r.flipStatus(ctx, q, query, errMsg, time.Now().UTC(), taskID)
}

// RetrySendTask flips failed -> pending for another worker attempt, clearing
// the previous error and sent_at. The only backward status move.
func (r *Repository) RetrySendTask(ctx context.Context, q sqlx.ExtContext, taskID int64) (bool, error) {
	query := q.Rebind(`
		UPDATE session_tasks SET status = 'pending', error = '', sent_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'failed'
	`)
	return r.flipStatus(ctx, q, query, time.Now().UTC(), taskID)
}

// CancelPendingTasks cancels every still-pending task on the session and
// returns their ids so the caller can drop them from the queue.
func (r *Repository) CancelPendingTasks(ctx context.Context, q sqlx.ExtContext, sessionID string) ([]int64, error) {
	rows, err := q.QueryxContext(ctx, q.Rebind(`
		SELECT id FROM session_tasks WHERE session_id = ? AND status = 'pending'
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	query := q.Rebind(`
		UPDATE session_tasks SET status = 'cancelled', updated_at = ?
		WHERE session_id = ? AND status = 'pending'
	`)
	if _, err := q.ExecContext(ctx, query, time.Now().UTC(), sessionID); err != nil {
		return nil, fmt.Errorf("failed to cancel pending tasks: %w", err)
	}
	return ids, nil
}

// PendingTaskWithPriority pairs a pending task with its session's priority
// for the monitoring listing.
type PendingTaskWithPriority struct {
	Task     *models.SendTask
	Priority int
}

// ListPendingTasks returns pending tasks joined with session priority,
// most urgent and oldest first.
func (r *Repository) ListPendingTasks(ctx context.Context, limit int) ([]PendingTaskWithPriority, error) {
	query := r.ro.Rebind(`
		SELECT t.id, t.session_id, t.external_task_id, t.task_type, t.send_content, t.send_url, t.shop_name,
			t.status, t.error, t.created_at, t.updated_at, t.sent_at, t.completed_at, s.priority
		FROM session_tasks t
		JOIN sessions s ON s.id = t.session_id
		WHERE t.status = 'pending'
		ORDER BY s.priority, t.id
		LIMIT ?
	`)
	rows, err := r.ro.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PendingTaskWithPriority
	for rows.Next() {
		var t models.SendTask
		var sentAt, completedAt sql.NullTime
		var priority int
		err := rows.Scan(
			&t.ID, &t.SessionID, &t.ExternalTaskID, &t.TaskType, &t.SendContent, &t.SendURL, &t.ShopName,
			&t.Status, &t.Error, &t.CreatedAt, &t.UpdatedAt, &sentAt, &completedAt, &priority)
		if err != nil {
			return nil, err
		}
		assignNullTime(&t.SentAt, sentAt)
		assignNullTime(&t.CompletedAt, completedAt)
		out = append(out, PendingTaskWithPriority{Task: &t, Priority: priority})
	}
	return out, rows.Err()
}

// ListStalePendingTasks returns tasks still pending since before the cutoff.
// Their queue entries may have been consumed or lost; the reconciler pushes
// them again.
func (r *Repository) ListStalePendingTasks(ctx context.Context, cutoff time.Time, limit int) ([]*models.SendTask, error) {
	query := r.ro.Rebind(fmt.Sprintf(`
		SELECT %s FROM session_tasks
		WHERE status = 'pending' AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?
	`, taskCols))
	rows, err := r.ro.QueryxContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.SendTask
	for rows.Next() {
		t, err := scanSendTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// HasMatchingOutboundTask reports whether a task on the session sent or
// completed since the cutoff carries the given content. Ingest uses this to
// tell bot echoes apart from a human typing in the seller console.
func (r *Repository) HasMatchingOutboundTask(ctx context.Context, q sqlx.ExtContext, sessionID, content string, since time.Time) (bool, error) {
	query := q.Rebind(`
		SELECT COUNT(*) FROM session_tasks
		WHERE session_id = ? AND status IN ('sent', 'completed')
			AND TRIM(send_content) = TRIM(?) AND updated_at >= ?
	`)
	var n int
	if err := q.QueryRowxContext(ctx, query, sessionID, content, since).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to match outbound task: %w", err)
	}
	return n > 0, nil
}

// CountTasksByStatus reports queue depth per status for the health endpoint.
func (r *Repository) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.ro.QueryxContext(ctx, `SELECT status, COUNT(*) FROM session_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *Repository) flipStatus(ctx context.Context, q sqlx.ExtContext, query string, args ...any) (bool, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanSendTask(row interface{ Scan(dest ...any) error }) (*models.SendTask, error) {
	var t models.SendTask
	var sentAt, completedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.SessionID, &t.ExternalTaskID, &t.TaskType, &t.SendContent, &t.SendURL, &t.ShopName,
		&t.Status, &t.Error, &t.CreatedAt, &t.UpdatedAt, &sentAt, &completedAt)
	if err != nil {
		return nil, err
	}
	assignNullTime(&t.SentAt, sentAt)
	assignNullTime(&t.CompletedAt, completedAt)
	return &t, nil
}

func assignNullTime(dst **time.Time, src sql.NullTime) {
	if src.Valid {
		t := src.Time
		*dst = &t
	}
}
