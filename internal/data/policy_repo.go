package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"dpledger/internal/core"
)

type PolicyRepo struct {
	db *sql.DB
}

func NewPolicyRepo(db *sql.DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

// Latest returns the highest stored version, or NotFound when none exists.
func (r *PolicyRepo) Latest(ctx context.Context) (*core.Policy, error) {
	var doc string
	var version, updated int64
	var updatedBy string
	err := r.db.QueryRowContext(ctx, `SELECT version, document, updated_at, updated_by FROM policies ORDER BY version DESC LIMIT 1`).
		Scan(&version, &doc, &updated, &updatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("no stored policy")
	}
	if err != nil {
		return nil, fmt.Errorf("latest policy: %w", err)
	}

	var p core.Policy
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("decode policy v%d: %w", version, err)
	}
	p.Version = version
	p.UpdatedAt = fromMicros(updated)
	p.UpdatedBy = updatedBy
	return &p, nil
}

// Insert stores p as a new version. A duplicate version is a Conflict, which
// is how concurrent updates from the same base version are detected.
func (r *PolicyRepo) Insert(ctx context.Context, p *core.Policy) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO policies (version, document, updated_at, updated_by) VALUES (?, ?, ?, ?)`,
		p.Version, string(doc), toMicros(p.UpdatedAt), p.UpdatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrConflict("policy version %d already exists", p.Version)
		}
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}
