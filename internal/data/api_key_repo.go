package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dpledger/internal/core"
)

type ApiKeyRepo struct {
	db *sql.DB
}

func NewApiKeyRepo(db *sql.DB) *ApiKeyRepo {
	return &ApiKeyRepo{db: db}
}

func (r *ApiKeyRepo) Create(ctx context.Context, accountID, keyPrefix, keyHash string) (*core.ApiKey, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `INSERT INTO api_keys (account_id, key_prefix, key_hash, created_at, is_active) VALUES (?, ?, ?, ?, 1)`,
		accountID, keyPrefix, keyHash, toMicros(now))
	if err != nil {
		return nil, fmt.Errorf("insert api key: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &core.ApiKey{ID: id, AccountID: accountID, KeyPrefix: keyPrefix, KeyHash: keyHash, IsActive: true, CreatedAt: now}, nil
}

// ListActiveByPrefix returns candidate keys for bcrypt comparison. Prefixes are
// not unique, so callers must check every row.
func (r *ApiKeyRepo) ListActiveByPrefix(ctx context.Context, keyPrefix string) ([]core.ApiKey, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, key_prefix, key_hash, created_at, last_used_at, is_active
		FROM api_keys
		WHERE key_prefix = ? AND is_active = 1
	`, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []core.ApiKey
	for rows.Next() {
		var k core.ApiKey
		var created int64
		var lastUsed sql.NullInt64
		var isActive int
		if err := rows.Scan(&k.ID, &k.AccountID, &k.KeyPrefix, &k.KeyHash, &created, &lastUsed, &isActive); err != nil {
			return nil, err
		}
		k.CreatedAt = fromMicros(created)
		if lastUsed.Valid {
			t := fromMicros(lastUsed.Int64)
			k.LastUsedAt = &t
		}
		k.IsActive = isActive == 1
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *ApiKeyRepo) TouchLastUsed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, toMicros(time.Now()), id)
	return err
}
