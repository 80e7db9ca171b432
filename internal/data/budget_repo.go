package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"dpledger/internal/core"
)

type BudgetRepo struct {
	db *sql.DB
}

func NewBudgetRepo(db *sql.DB) *BudgetRepo {
	return &BudgetRepo{db: db}
}

func (r *BudgetRepo) Create(ctx context.Context, b *core.PrivacyBudget) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO privacy_budgets (account_id, total_epsilon, remaining_epsilon, last_reset, reset_count) VALUES (?, ?, ?, ?, ?)`,
		b.AccountID, b.TotalEpsilon, b.RemainingEpsilon, toMicros(b.LastReset), b.ResetCount)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrConflict("budget for %q already exists", b.AccountID)
		}
		return fmt.Errorf("insert budget: %w", err)
	}
	return nil
}

func (r *BudgetRepo) Get(ctx context.Context, accountID string) (*core.PrivacyBudget, error) {
	var b core.PrivacyBudget
	var lastReset int64
	err := r.db.QueryRowContext(ctx, `SELECT account_id, total_epsilon, remaining_epsilon, last_reset, reset_count FROM privacy_budgets WHERE account_id = ?`, accountID).
		Scan(&b.AccountID, &b.TotalEpsilon, &b.RemainingEpsilon, &lastReset, &b.ResetCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("no budget for account %q", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	b.LastReset = fromMicros(lastReset)
	return &b, nil
}

// Save overwrites the mutable ledger fields. The ledger is the only caller.
func (r *BudgetRepo) Save(ctx context.Context, b *core.PrivacyBudget) error {
	res, err := r.db.ExecContext(ctx, `UPDATE privacy_budgets SET total_epsilon = ?, remaining_epsilon = ?, last_reset = ?, reset_count = ? WHERE account_id = ?`,
		b.TotalEpsilon, b.RemainingEpsilon, toMicros(b.LastReset), b.ResetCount, b.AccountID)
	if err != nil {
		return fmt.Errorf("save budget: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound("no budget for account %q", b.AccountID)
	}
	return nil
}

func (r *BudgetRepo) List(ctx context.Context) ([]core.PrivacyBudget, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT account_id, total_epsilon, remaining_epsilon, last_reset, reset_count FROM privacy_budgets ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close()

	var budgets []core.PrivacyBudget
	for rows.Next() {
		var b core.PrivacyBudget
		var lastReset int64
		if err := rows.Scan(&b.AccountID, &b.TotalEpsilon, &b.RemainingEpsilon, &lastReset, &b.ResetCount); err != nil {
			return nil, err
		}
		b.LastReset = fromMicros(lastReset)
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}
