package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chatbroker/chatbroker/internal/broker/models"
	"github.com/chatbroker/chatbroker/internal/db/dialect"
)

// InsertOperation appends to the session's audit trail. Rows with notify set
// stay queued for the notifier until MarkOperationNotified.
func (r *Repository) InsertOperation(ctx context.Context, q sqlx.ExtContext, op *models.OperationRecord) error {
	query := `
		INSERT INTO session_operations (session_id, operation, detail, notify, notified_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	id, err := dialect.InsertReturningID(ctx, q, query,
		op.SessionID, op.Operation, op.Detail, dialect.BoolToInt(op.Notify), op.NotifiedAt, op.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	op.ID = id
	return nil
}

// ListUndeliveredOperations returns notify-flagged operations that have not
// been delivered yet, oldest first.
func (r *Repository) ListUndeliveredOperations(ctx context.Context, limit int) ([]*models.OperationRecord, error) {
	query := r.ro.Rebind(`
		SELECT id, session_id, operation, detail, notify, notified_at, created_at
		FROM session_operations
		WHERE notify = 1 AND notified_at IS NULL
		ORDER BY created_at, id
		LIMIT ?
	`)
	rows, err := r.ro.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list undelivered operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []*models.OperationRecord
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkOperationNotified stamps a delivery. Returns false when another
// notifier pass already delivered it.
func (r *Repository) MarkOperationNotified(ctx context.Context, q sqlx.ExtContext, opID int64) (bool, error) {
	query := q.Rebind(`
		UPDATE session_operations SET notified_at = ? WHERE id = ? AND notified_at IS NULL
	`)
	res, err := q.ExecContext(ctx, query, time.Now().UTC(), opID)
	if err != nil {
		return false, fmt.Errorf("failed to mark operation notified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListSessionOperations returns the session's audit trail, oldest first.
func (r *Repository) ListSessionOperations(ctx context.Context, sessionID string) ([]*models.OperationRecord, error) {
	query := r.ro.Rebind(`
		SELECT id, session_id, operation, detail, notify, notified_at, created_at
		FROM session_operations
		WHERE session_id = ?
		ORDER BY id
	`)
	rows, err := r.ro.QueryxContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []*models.OperationRecord
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func scanOperation(row interface{ Scan(dest ...any) error }) (*models.OperationRecord, error) {
	var op models.OperationRecord
	var notify int
	var notifiedAt sql.NullTime
	err := row.Scan(&op.ID, &op.SessionID, &op.Operation, &op.Detail, &notify, &notifiedAt, &op.CreatedAt)
	if err != nil {
		return nil, err
	}
	op.Notify = notify != 0
	assignNullTime(&op.NotifiedAt, notifiedAt)
	return &op, nil
}
