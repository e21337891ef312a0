package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// pgPingTimeout bounds the startup reachability check.
const pgPingTimeout = 5 * time.Second

// OpenPostgres opens a PostgreSQL pool through pgx's database/sql driver.
// maxConns and minConns fall back to 10 and 2 when non-positive; the broker
// is write-light, so a small pool is plenty.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	if minConns <= 0 {
		minConns = 2
	}
	pool.SetMaxOpenConns(maxConns)
	pool.SetMaxIdleConns(minConns)

	ctx, cancel := context.WithTimeout(context.Background(), pgPingTimeout)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return pool, nil
}
