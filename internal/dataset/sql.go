// Package dataset implements the read-only boundary to the sensitive records.
package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"dpledger/internal/core"
)

// SQLAccessor reads one table through database/sql. The connection pool is
// opened once and shared by all queries.
type SQLAccessor struct {
	db      *sql.DB
	driver  string
	table   string
	parser  *sqlParser
	numeric map[string]bool
	columns map[string]bool
}

// OpenSQL connects to a registered source and discovers its columns.
func OpenSQL(ctx context.Context, driver, dsn, table string) (*SQLAccessor, error) {
	if !ValidTable(table) {
		return nil, core.ErrInvalid("invalid table name %q", table)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection (%s): %w", driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a := &SQLAccessor{db: db, driver: driver, table: table, parser: newSQLParser(driver)}
	if err := a.discover(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// discover records every column and which of them are numeric. Only
// numeric, safely named columns can be aggregated.
func (a *SQLAccessor) discover(ctx context.Context) error {
	rows, err := a.db.QueryContext(ctx, "SELECT * FROM "+a.table+" WHERE 1 = 0")
	if err != nil {
		return fmt.Errorf("discover columns of %s: %w", a.table, err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return fmt.Errorf("discover columns of %s: %w", a.table, err)
	}
	a.numeric = map[string]bool{}
	a.columns = map[string]bool{}
	for _, ct := range types {
		name := strings.ToLower(ct.Name())
		if !ValidIdentifier(name) {
			continue
		}
		a.columns[name] = true
		if isNumericType(ct.DatabaseTypeName()) {
			a.numeric[name] = true
		}
	}
	if len(a.columns) == 0 {
		return fmt.Errorf("table %s has no usable columns", a.table)
	}
	return nil
}

func isNumericType(dbType string) bool {
	t := strings.ToUpper(dbType)
	for _, prefix := range []string{"INT", "BIGINT", "SMALLINT", "TINYINT", "MEDIUMINT", "INTEGER", "REAL", "FLOAT", "DOUBLE", "NUMERIC", "DECIMAL", "NUMBER", "MONEY", "SMALLMONEY", "INT2", "INT4", "INT8", "FLOAT4", "FLOAT8"} {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return false
}

// NumericColumns lists the columns that can be aggregated.
func (a *SQLAccessor) NumericColumns() []string {
	out := make([]string, 0, len(a.numeric))
	for c := range a.numeric {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func (a *SQLAccessor) Close() error {
	return a.db.Close()
}

func (a *SQLAccessor) CohortSize(ctx context.Context, f core.Filters) (int, error) {
	query, args, err := a.build("SELECT COUNT(*) FROM "+a.table, "", f)
	if err != nil {
		return 0, err
	}
	var n int
	if err := a.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, &core.DataAccessError{Err: err}
	}
	return n, nil
}

func (a *SQLAccessor) ColumnValues(ctx context.Context, column string, f core.Filters) ([]float64, error) {
	column = strings.ToLower(column)
	if !ValidIdentifier(column) || !a.numeric[column] {
		return nil, core.ErrInvalid("column %q is not a queryable numeric column", column)
	}
	query, args, err := a.build("SELECT "+column+" FROM "+a.table, column+" IS NOT NULL", f)
	if err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &core.DataAccessError{Err: err}
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v sql.NullFloat64
		if err := rows.Scan(&v); err != nil {
			return nil, &core.DataAccessError{Err: err}
		}
		if v.Valid {
			values = append(values, v.Float64)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &core.DataAccessError{Err: err}
	}
	return values, nil
}

func (a *SQLAccessor) build(selectClause, extra string, f core.Filters) (string, []any, error) {
	where, params, cols := filterClauses(f)
	for _, c := range cols {
		if !a.columns[c] {
			return "", nil, core.ErrInvalid("filter on %s is not supported by this dataset", c)
		}
	}
	var conds []string
	if extra != "" {
		conds = append(conds, extra)
	}
	if where != "" {
		conds = append(conds, where)
	}
	text := selectClause
	if len(conds) > 0 {
		text += " WHERE " + strings.Join(conds, " AND ")
	}

	parsed := a.parser.Parse(text)
	args, err := a.parser.MapValues(parsed.ParamNames, params)
	if err != nil {
		return "", nil, err
	}
	return parsed.SQL, args, nil
}

// Unavailable is the accessor used when no dataset source could be opened.
// Every call fails with a DataAccessError.
type Unavailable struct {
	Err error
}

func (u Unavailable) CohortSize(context.Context, core.Filters) (int, error) {
	return 0, &core.DataAccessError{Err: u.err()}
}

func (u Unavailable) ColumnValues(context.Context, string, core.Filters) ([]float64, error) {
	return nil, &core.DataAccessError{Err: u.err()}
}

func (u Unavailable) err() error {
	if u.Err == nil {
		return errors.New("no dataset source configured")
	}
	return u.Err
}
