// Package repository provides the broker's persistent store on SQLite or
// PostgreSQL through the shared writer/reader pool.
package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/chatbroker/chatbroker/internal/db"
)

// shopCacheSize bounds the shop name -> id read-through cache.
const shopCacheSize = 1024

// Repository provides storage operations for sessions, send tasks, messages,
// transfers and the operations outbox.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)

	shops *shopCache
}

// New creates a Repository on the given pool and initializes the schema.
func New(pool *db.Pool) (*Repository, error) {
	repo := &Repository{db: pool.Writer(), ro: pool.Reader()}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	cache, err := newShopCache(shopCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build shop cache: %w", err)
	}
	repo.shops = cache
	return repo, nil
}

// DB returns the writer pool for callers that need raw access (tests).
func (r *Repository) DB() *sqlx.DB {
	return r.db
}

func (r *Repository) driver() string {
	return r.db.DriverName()
}

// WithTx executes fn within a transaction on the writer. The transaction is
// rolled back when fn returns an error or panics, committed otherwise.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
