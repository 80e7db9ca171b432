package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"dpledger/internal/core"
)

type AccountRepo struct {
	db *sql.DB
}

func NewAccountRepo(db *sql.DB) *AccountRepo {
	return &AccountRepo{db: db}
}

func (r *AccountRepo) Create(ctx context.Context, a *core.Account) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO accounts (id, display_name, role, organization, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.DisplayName, string(a.Role), a.Organization, toMicros(a.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrConflict("account %q already exists", a.ID)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r *AccountRepo) GetByID(ctx context.Context, id string) (*core.Account, error) {
	var a core.Account
	var role string
	var created int64
	err := r.db.QueryRowContext(ctx, `SELECT id, display_name, role, organization, created_at FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.DisplayName, &role, &a.Organization, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("account %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	a.Role = core.Role(role)
	a.CreatedAt = fromMicros(created)
	return &a, nil
}

func (r *AccountRepo) List(ctx context.Context) ([]core.Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, display_name, role, organization, created_at FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []core.Account
	for rows.Next() {
		var a core.Account
		var role string
		var created int64
		if err := rows.Scan(&a.ID, &a.DisplayName, &role, &a.Organization, &created); err != nil {
			return nil, err
		}
		a.Role = core.Role(role)
		a.CreatedAt = fromMicros(created)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateRole is the only mutation an account supports.
func (r *AccountRepo) UpdateRole(ctx context.Context, id string, role core.Role) error {
	res, err := r.db.ExecContext(ctx, `UPDATE accounts SET role = ? WHERE id = ?`, string(role), id)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound("account %q not found", id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
