package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/chatbroker/chatbroker/internal/broker/models"
	"github.com/chatbroker/chatbroker/internal/db/dialect"
)

// InsertTransferRecord logs a bot-to-human handoff and fills in the
// generated id.
func (r *Repository) InsertTransferRecord(ctx context.Context, q sqlx.ExtContext, rec *models.TransferRecord) error {
	query := `
		INSERT INTO session_transfers (session_id, from_type, to_type, reason, urgency, transferred_at, accepted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	id, err := dialect.InsertReturningID(ctx, q, query,
		rec.SessionID, rec.FromType, rec.ToType, rec.Reason, rec.Urgency, rec.TransferredAt, rec.AcceptedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transfer record: %w", err)
	}
	rec.ID = id
	return nil
}

// ListTransferRecords returns the session's handoffs, oldest first.
func (r *Repository) ListTransferRecords(ctx context.Context, sessionID string) ([]*models.TransferRecord, error) {
	query := r.ro.Rebind(`
		SELECT id, session_id, from_type, to_type, reason, urgency, transferred_at, accepted_at
		FROM session_transfers
		WHERE session_id = ?
		ORDER BY id
	`)
	rows, err := r.ro.QueryxContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*models.TransferRecord
	for rows.Next() {
		var rec models.TransferRecord
		var acceptedAt sql.NullTime
		err := rows.Scan(&rec.ID, &rec.SessionID, &rec.FromType, &rec.ToType, &rec.Reason, &rec.Urgency,
			&rec.TransferredAt, &acceptedAt)
		if err != nil {
			return nil, err
		}
		assignNullTime(&rec.AcceptedAt, acceptedAt)
		records = append(records, &rec)
	}
	return records, rows.Err()
}
