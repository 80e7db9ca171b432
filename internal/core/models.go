package core

import (
	"time"
)

// WarningThreshold is the remaining epsilon below which a budget reports is_warning.
const WarningThreshold = 2.0

type Role string

const (
	RoleAnalyst Role = "analyst"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleAnalyst || r == RoleAdmin
}

type Account struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	Role         Role      `json:"role"`
	Organization string    `json:"organization"`
	CreatedAt    time.Time `json:"created_at"`
}

func (a *Account) IsAdmin() bool {
	return a != nil && a.Role == RoleAdmin
}

type ApiKey struct {
	ID         int64      `json:"id"`
	AccountID  string     `json:"account_id"`
	KeyPrefix  string     `json:"key_prefix"`
	KeyHash    string     `json:"-"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// PrivacyBudget is the persisted ledger row for one account.
type PrivacyBudget struct {
	AccountID        string    `json:"account_id"`
	TotalEpsilon     float64   `json:"total_epsilon"`
	RemainingEpsilon float64   `json:"remaining_epsilon"`
	LastReset        time.Time `json:"last_reset"`
	ResetCount       int       `json:"reset_count"`
}

// BudgetStatus is the read-only view of a PrivacyBudget.
type BudgetStatus struct {
	AccountID        string    `json:"account_id"`
	TotalEpsilon     float64   `json:"total_epsilon"`
	RemainingEpsilon float64   `json:"remaining_epsilon"`
	ConsumedEpsilon  float64   `json:"consumed_epsilon"`
	IsWarning        bool      `json:"is_warning"`
	IsDepleted       bool      `json:"is_depleted"`
	LastReset        time.Time `json:"last_reset"`
	ResetCount       int       `json:"reset_count"`
}

// StatusOf derives the read-only view from a budget row.
func StatusOf(b PrivacyBudget) BudgetStatus {
	return BudgetStatus{
		AccountID:        b.AccountID,
		TotalEpsilon:     b.TotalEpsilon,
		RemainingEpsilon: b.RemainingEpsilon,
		ConsumedEpsilon:  b.TotalEpsilon - b.RemainingEpsilon,
		IsWarning:        b.RemainingEpsilon < WarningThreshold,
		IsDepleted:       b.RemainingEpsilon <= 0,
		LastReset:        b.LastReset,
		ResetCount:       b.ResetCount,
	}
}

type QueryResult struct {
	QueryType       QueryType `json:"query_type"`
	Mechanism       Mechanism `json:"mechanism"`
	Column          string    `json:"column,omitempty"`
	TrueResult      []float64 `json:"-"`
	NoisyResult     []float64 `json:"-"`
	NoiseAdded      []float64 `json:"-"`
	Bins            int       `json:"bins,omitempty"`
	BinEdges        []float64 `json:"bin_edges,omitempty"`
	EpsilonUsed     float64   `json:"epsilon_used"`
	CohortSize      int       `json:"cohort_size"`
	BudgetRemaining float64   `json:"budget_remaining"`
	ExecutionMs     int64     `json:"execution_ms"`
}

// Scalar reports whether the result holds a single value rather than per-bin values.
func (r *QueryResult) Scalar() bool {
	return r.QueryType != QueryHistogram
}

type AuditStatus string

const (
	StatusSuccess AuditStatus = "success"
	StatusBlocked AuditStatus = "blocked"
)

// Administrative entry types recorded alongside query types.
const (
	ActionBudgetReset   = "budget_reset"
	ActionPlatformReset = "platform_reset"
)

type AuditLogEntry struct {
	ID          int64       `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	AccountID   string      `json:"account_id"`
	QueryType   string      `json:"query_type"`
	Mechanism   string      `json:"mechanism,omitempty"`
	EpsilonUsed float64     `json:"epsilon_used"`
	Status      AuditStatus `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	SourceAddr  string      `json:"source_address,omitempty"`
	RequestID   string      `json:"request_id,omitempty"`
	DurationMs  int64       `json:"duration_ms"`
}

type AuditFilter struct {
	AccountID string
	QueryType string
	Status    AuditStatus
	From      *time.Time
	To        *time.Time
}

type AuditStats struct {
	ByQueryType          map[string]int64 `json:"by_query_type"`
	ByStatus             map[string]int64 `json:"by_status"`
	TotalQueries         int64            `json:"total_queries"`
	TotalEpsilonConsumed float64          `json:"total_epsilon_consumed"`
	LastEntry            *AuditLogEntry   `json:"last_entry,omitempty"`
}

type DataSource struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Driver   string `json:"driver"`
	DSNEnc   string `json:"-"` // Encrypted
	Table    string `json:"table"`
	IsActive bool   `json:"is_active"`
}
