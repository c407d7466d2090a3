package store

import (
	"context"
	"database/sql"
	"time"
)

// Well-known sync_meta keys
const (
	// MetaClaimedOwner holds the identity that completed the claim of
	// locally owned rows.
	MetaClaimedOwner = "claimed_owner"
)

// GetMeta returns the value stored under key, or ErrNotFound
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	return getMeta(ctx, s.DB, key)
}

// GetMeta returns the value stored under key within a transaction
func (tx *Tx) GetMeta(ctx context.Context, key string) (string, error) {
	return getMeta(ctx, tx.Tx, key)
}

// SetMeta stores value under key
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.Transaction(ctx, nil, func(tx *Tx) error {
		return tx.SetMeta(ctx, key, value)
	})
}

// SetMeta stores value under key within a transaction
func (tx *Tx) SetMeta(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO sync_meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	_, err := tx.ExecContext(ctx, query, key, value, FormatTime(time.Now()))
	return WrapDrift("sync_meta", err)
}

// DeleteMeta removes key. Removing an absent key is not an error.
func (tx *Tx) DeleteMeta(ctx context.Context, key string) error {
	_, err := tx.ExecContext(ctx, "DELETE FROM sync_meta WHERE key = ?", key)
	return WrapDrift("sync_meta", err)
}

func getMeta(ctx context.Context, q querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", WrapDrift("sync_meta", err)
	}
	return value, nil
}
