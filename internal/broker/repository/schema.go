package repository

import (
	"fmt"

	"github.com/chatbroker/chatbroker/internal/db/dialect"
)

// initSchema creates the database tables if they don't exist.
func (r *Repository) initSchema() error {
	if err := r.initSessionSchema(); err != nil {
		return err
	}
	if err := r.initTaskSchema(); err != nil {
		return err
	}
	if err := r.initMessageSchema(); err != nil {
		return err
	}
	if err := r.initAuditSchema(); err != nil {
		return err
	}
	return r.initDirectorySchema()
}

// execAll runs DDL statements one at a time. pgx rejects multi-command
// strings in its default exec mode, so each statement gets its own Exec.
func (r *Repository) execAll(stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) initSessionSchema() error {
	return r.execAll(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		shop_id TEXT NOT NULL,
		shop_name TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL,
		priority INTEGER NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		max_inactive_minutes INTEGER NOT NULL DEFAULT 60,
		message_count INTEGER NOT NULL DEFAULT 0,
		transfer_reason TEXT DEFAULT '',
		transferred_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`,
		// One conversation owner per (account, shop): only sessions in a slot
		// state count. Admission relies on this index losing races loudly.
		`
	CREATE UNIQUE INDEX IF NOT EXISTS uq_sessions_active_slot
		ON sessions(account_id, shop_id)
		WHERE state IN ('pending', 'active', 'transferred');
	`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_pair_state ON sessions(account_id, shop_id, state);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state, last_activity_at);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);`,
	)
}

func (r *Repository) initTaskSchema() error {
	return r.execAll(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS session_tasks (
		id %s,
		session_id TEXT NOT NULL,
		external_task_id TEXT NOT NULL UNIQUE,
		task_type TEXT NOT NULL,
		send_content TEXT NOT NULL DEFAULT '',
		send_url TEXT NOT NULL DEFAULT '',
		shop_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		sent_at TIMESTAMP,
		completed_at TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	`, dialect.AutoIncrementPK(r.driver())),
		`CREATE INDEX IF NOT EXISTS idx_session_tasks_session ON session_tasks(session_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_session_tasks_status ON session_tasks(status, updated_at);`,
	)
}

func (r *Repository) initMessageSchema() error {
	return r.execAll(`
	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		sender_nick TEXT NOT NULL DEFAULT '',
		from_source TEXT NOT NULL,
		sent_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sent_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sent_at ON messages(sent_at);`,
	)
}

func (r *Repository) initAuditSchema() error {
	drv := r.driver()
	return r.execAll(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS session_transfers (
		id %s,
		session_id TEXT NOT NULL,
		from_type TEXT NOT NULL DEFAULT '',
		to_type TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		urgency TEXT NOT NULL DEFAULT '',
		transferred_at TIMESTAMP NOT NULL,
		accepted_at TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	`, dialect.AutoIncrementPK(drv)),
		fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS session_operations (
		id %s,
		session_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		detail TEXT DEFAULT '',
		notify INTEGER NOT NULL DEFAULT 0,
		notified_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	`, dialect.AutoIncrementPK(drv)),
		`CREATE INDEX IF NOT EXISTS idx_session_transfers_session ON session_transfers(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_session_operations_session ON session_operations(session_id);`,
		`
	CREATE INDEX IF NOT EXISTS idx_session_operations_undelivered
		ON session_operations(created_at)
		WHERE notify = 1 AND notified_at IS NULL;
	`,
	)
}

func (r *Repository) initDirectorySchema() error {
	return r.execAll(`
	CREATE TABLE IF NOT EXISTS accounts (
		account_id TEXT PRIMARY KEY,
		platform TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP NOT NULL
	);
	`,
		`
	CREATE TABLE IF NOT EXISTS shops (
		shop_id TEXT PRIMARY KEY,
		shop_name TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_shops_name ON shops(shop_name);`,
	)
}
