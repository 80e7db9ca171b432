package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dpledger/internal/core"
)

type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

const auditColumns = `id, timestamp, account_id, query_type, mechanism, epsilon_used, status, reason, source_address, request_id, duration_ms`

// Insert is idempotent on id so the audit writer can retry a partially
// applied batch.
func (r *AuditRepo) Insert(ctx context.Context, e *core.AuditLogEntry) error {
	_, err := r.db.ExecContext(ctx, `INSERT OR IGNORE INTO audit_log (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, toMicros(e.Timestamp), e.AccountID, e.QueryType, e.Mechanism, e.EpsilonUsed,
		string(e.Status), e.Reason, e.SourceAddr, e.RequestID, e.DurationMs)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns entries newest-first and the total number matching filter.
func (r *AuditRepo) List(ctx context.Context, filter core.AuditFilter, page core.PageRequest) ([]core.AuditLogEntry, int64, error) {
	where, args := auditWhere(filter)

	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log` + where + ` ORDER BY id DESC LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, query, append(args, page.Limit(), page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []core.AuditLogEntry{}
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, *e)
	}
	return entries, total, rows.Err()
}

func (r *AuditRepo) Stats(ctx context.Context, filter core.AuditFilter) (*core.AuditStats, error) {
	where, args := auditWhere(filter)
	stats := &core.AuditStats{
		ByQueryType: map[string]int64{},
		ByStatus:    map[string]int64{},
	}

	rows, err := r.db.QueryContext(ctx, `SELECT query_type, status, COUNT(*), COALESCE(SUM(CASE WHEN status = 'success' THEN epsilon_used ELSE 0 END), 0)
		FROM audit_log`+where+` GROUP BY query_type, status`, args...)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var qt, status string
		var n int64
		var eps float64
		if err := rows.Scan(&qt, &status, &n, &eps); err != nil {
			return nil, err
		}
		stats.ByQueryType[qt] += n
		stats.ByStatus[status] += n
		stats.TotalQueries += n
		stats.TotalEpsilonConsumed += eps
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_log`+where+` ORDER BY id DESC LIMIT 1`, args...)
	last, err := scanAuditEntry(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("last audit entry: %w", err)
	default:
		stats.LastEntry = last
	}
	return stats, nil
}

// GrantedSince returns the timestamps of successful queries by accountID at or
// after since, oldest first. Administrative entries are excluded.
func (r *AuditRepo) GrantedSince(ctx context.Context, accountID string, since time.Time) ([]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT timestamp FROM audit_log
		WHERE account_id = ? AND status = 'success' AND timestamp >= ? AND query_type NOT IN (?, ?)
		ORDER BY timestamp`, accountID, toMicros(since), core.ActionBudgetReset, core.ActionPlatformReset)
	if err != nil {
		return nil, fmt.Errorf("granted since: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, fromMicros(ts))
	}
	return out, rows.Err()
}

func (r *AuditRepo) DeleteAll(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM audit_log`)
	return err
}

func (r *AuditRepo) MaxID(ctx context.Context) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM audit_log`).Scan(&id)
	return id, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(s rowScanner) (*core.AuditLogEntry, error) {
	var e core.AuditLogEntry
	var ts int64
	var status string
	if err := s.Scan(&e.ID, &ts, &e.AccountID, &e.QueryType, &e.Mechanism, &e.EpsilonUsed,
		&status, &e.Reason, &e.SourceAddr, &e.RequestID, &e.DurationMs); err != nil {
		return nil, err
	}
	e.Timestamp = fromMicros(ts)
	e.Status = core.AuditStatus(status)
	return &e, nil
}

func auditWhere(f core.AuditFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.AccountID != "" {
		clauses = append(clauses, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.QueryType != "" {
		clauses = append(clauses, "query_type = ?")
		args = append(args, f.QueryType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.From != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, toMicros(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, toMicros(*f.To))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
