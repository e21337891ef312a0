package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chatbroker/chatbroker/internal/broker/models"
)

// InsertMessage stores a chat message, ignoring replays of a message_id the
// platform already delivered. Returns whether the row was newly inserted.
func (r *Repository) InsertMessage(ctx context.Context, q sqlx.ExtContext, m *models.Message) (bool, error) {
	query := q.Rebind(`
		INSERT INTO messages (message_id, session_id, content, sender_nick, from_source, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING
	`)
	res, err := q.ExecContext(ctx, query,
		m.MessageID, m.SessionID, m.Content, m.SenderNick, m.FromSource, m.SentAt, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FindLatestMessageTime returns the sent_at of the most recent message stored
// for the (account, shop) pair across all of its sessions, or nil when the
// pair has no history. The gap between this and an incoming batch decides
// whether the batch still belongs to the current conversation.
func (r *Repository) FindLatestMessageTime(ctx context.Context, q sqlx.ExtContext, accountID, shopID string) (*time.Time, error) {
	query := q.Rebind(`
		SELECT m.sent_at
		FROM messages m
		JOIN sessions s ON s.id = m.session_id
		WHERE s.account_id = ? AND s.shop_id = ?
		ORDER BY m.sent_at DESC
		LIMIT 1
	`)
	var sentAt time.Time
	err := q.QueryRowxContext(ctx, query, accountID, shopID).Scan(&sentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest message time: %w", err)
	}
	return &sentAt, nil
}

// ListSessionMessages returns the session's messages in conversation order.
func (r *Repository) ListSessionMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	query := r.ro.Rebind(`
		SELECT message_id, session_id, content, sender_nick, from_source, sent_at, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY sent_at, message_id
	`)
	rows, err := r.ro.QueryxContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.Message
	for rows.Next() {
		var m models.Message
		err := rows.Scan(&m.MessageID, &m.SessionID, &m.Content, &m.SenderNick, &m.FromSource, &m.SentAt, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}
