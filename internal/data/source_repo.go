package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"dpledger/internal/core"
)

type SourceRepo struct {
	db *sql.DB
}

func NewSourceRepo(db *sql.DB) *SourceRepo {
	return &SourceRepo{db: db}
}

func (r *SourceRepo) Create(ctx context.Context, s *core.DataSource) error {
	res, err := r.db.ExecContext(ctx, `INSERT INTO data_sources (name, driver, dsn_enc, table_name, is_active) VALUES (?, ?, ?, ?, ?)`,
		s.Name, s.Driver, s.DSNEnc, s.Table, boolToInt(s.IsActive))
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrConflict("source %q already exists", s.Name)
		}
		return fmt.Errorf("insert source: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = id
	return nil
}

func (r *SourceRepo) GetByName(ctx context.Context, name string) (*core.DataSource, error) {
	var s core.DataSource
	var isActive int
	err := r.db.QueryRowContext(ctx, `SELECT id, name, driver, dsn_enc, table_name, is_active FROM data_sources WHERE name = ?`, name).
		Scan(&s.ID, &s.Name, &s.Driver, &s.DSNEnc, &s.Table, &isActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("source %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	s.IsActive = isActive == 1
	return &s, nil
}

func (r *SourceRepo) List(ctx context.Context) ([]core.DataSource, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, driver, dsn_enc, table_name, is_active FROM data_sources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []core.DataSource
	for rows.Next() {
		var s core.DataSource
		// SQLite stores booleans as integers (0 or 1)
		var isActive int
		if err := rows.Scan(&s.ID, &s.Name, &s.Driver, &s.DSNEnc, &s.Table, &isActive); err != nil {
			return nil, err
		}
		s.IsActive = isActive == 1
		sources = append(sources, s)
	}
	return sources, rows.Err()
}
