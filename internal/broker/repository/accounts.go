package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	"github.com/chatbroker/chatbroker/internal/broker/models"
)

// shopCache memoizes shop_name -> shop_id lookups. Shops are append-only
// so entries never go stale.
type shopCache struct {
	ids *lru.Cache[string, string]
}

func newShopCache(size int) (*shopCache, error) {
	ids, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create shop cache: %w", err)
	}
	return &shopCache{ids: ids}, nil
}

// EnsureAccount registers an account on first sight and bumps last_seen_at
// on every subsequent call.
func (r *Repository) EnsureAccount(ctx context.Context, q sqlx.ExtContext, accountID, platform string) error {
	now := time.Now().UTC()
	query := q.Rebind(`
		INSERT INTO accounts (account_id, platform, created_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`)
	_, err := q.ExecContext(ctx, query, accountID, platform, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// GetAccount returns the account row, or nil when it was never seen.
func (r *Repository) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	row := r.ro.QueryRowxContext(ctx, r.ro.Rebind(`
		SELECT account_id, platform, created_at, last_seen_at
		FROM accounts WHERE account_id = ?
	`), accountID)

	var a models.Account
	err := row.Scan(&a.AccountID, &a.Platform, &a.CreatedAt, &a.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// EnsureShop registers a shop under an explicit id, leaving an existing row
// alone.
func (r *Repository) EnsureShop(ctx context.Context, q sqlx.ExtContext, shopID, shopName, platform string) error {
	if shopName == "" {
		shopName = shopID
	}
	query := q.Rebind(`
		INSERT INTO shops (shop_id, shop_name, platform, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if _, err := q.ExecContext(ctx, query, shopID, shopName, platform, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert shop: %w", err)
	}
	return nil
}

// ResolveShopID maps a shop name to its shop id, registering the shop on
// first sight. New shops use the name as the id until an upstream directory
// assigns a real one.
func (r *Repository) ResolveShopID(ctx context.Context, q sqlx.ExtContext, shopName, platform string) (string, error) {
	if id, ok := r.shops.ids.Get(shopName); ok {
		return id, nil
	}

	row := q.QueryRowxContext(ctx, q.Rebind(`SELECT shop_id FROM shops WHERE shop_name = ?`), shopName)
	var id string
	err := row.Scan(&id)
	if err == nil {
		r.shops.ids.Add(shopName, id)
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to look up shop: %w", err)
	}

	id = shopName
	query := q.Rebind(`
		INSERT INTO shops (shop_id, shop_name, platform, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (shop_name) DO NOTHING
	`)
	if _, err := q.ExecContext(ctx, query, id, shopName, platform, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("failed to register shop: %w", err)
	}
	r.shops.ids.Add(shopName, id)
	return id, nil
}

// GetShop returns the shop row, or nil when the shop is unknown.
func (r *Repository) GetShop(ctx context.Context, shopID string) (*models.Shop, error) {
	row := r.ro.QueryRowxContext(ctx, r.ro.Rebind(`
		SELECT shop_id, shop_name, platform, created_at
		FROM shops WHERE shop_id = ?
	`), shopID)

	var s models.Shop
	err := row.Scan(&s.ShopID, &s.ShopName, &s.Platform, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get shop: %w", err)
	}
	return &s, nil
}
