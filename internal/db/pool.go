package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/chatbroker/chatbroker/internal/db/dialect"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode, this enables concurrent reads while serializing
// writes through a single connection. The writer pool uses MaxOpenConns(1) to
// avoid SQLITE_BUSY on write contention, while the reader pool allows multiple
// concurrent connections for SELECT queries.
//
// For PostgreSQL, both Writer and Reader return the same *sqlx.DB since pgx
// handles connection pooling internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Open opens a Pool for the given driver. For sqlite3 the DSN is a file path
// and the pool is split into a single-connection writer plus a read-only
// reader pool. For pgx both sides share one connection pool.
func Open(driver, dsn string, busyTimeoutMS int) (*Pool, error) {
	switch driver {
	case dialect.SQLite3:
		writer, err := OpenSQLite(dsn, busyTimeoutMS)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(dsn, busyTimeoutMS)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(sqlx.NewDb(writer, driver), sqlx.NewDb(reader, driver)), nil
	case dialect.PGX:
		conn, err := OpenPostgres(dsn, 10, 2)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(conn, driver)
		return NewPool(shared, shared), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. For SQLite
// this opens multiple read-only connections that can operate concurrently
// with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
