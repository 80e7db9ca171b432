package core

import (
	"context"
	"time"
)

// AccountRepository defines storage operations for accounts
type AccountRepository interface {
	Create(ctx context.Context, account *Account) error
	GetByID(ctx context.Context, id string) (*Account, error)
	List(ctx context.Context) ([]Account, error)
	UpdateRole(ctx context.Context, id string, role Role) error
}

// ApiKeyRepository defines storage operations for api keys
type ApiKeyRepository interface {
	Create(ctx context.Context, accountID, keyPrefix, keyHash string) (*ApiKey, error)
	ListActiveByPrefix(ctx context.Context, keyPrefix string) ([]ApiKey, error)
	TouchLastUsed(ctx context.Context, id int64) error
}

// BudgetRepository persists ledger rows. Only the ledger writes through it.
type BudgetRepository interface {
	Create(ctx context.Context, budget *PrivacyBudget) error
	Get(ctx context.Context, accountID string) (*PrivacyBudget, error)
	Save(ctx context.Context, budget *PrivacyBudget) error
	List(ctx context.Context) ([]PrivacyBudget, error)
}

// AuditRepository defines storage operations for the audit log. Entries
// arrive with their id already assigned.
type AuditRepository interface {
	Insert(ctx context.Context, entry *AuditLogEntry) error
	List(ctx context.Context, filter AuditFilter, page PageRequest) ([]AuditLogEntry, int64, error)
	Stats(ctx context.Context, filter AuditFilter) (*AuditStats, error)
	GrantedSince(ctx context.Context, accountID string, since time.Time) ([]time.Time, error)
	DeleteAll(ctx context.Context) error
	MaxID(ctx context.Context) (int64, error)
}

// PolicyRepository stores immutable policy versions.
type PolicyRepository interface {
	Latest(ctx context.Context) (*Policy, error)
	Insert(ctx context.Context, policy *Policy) error
}

// SourceRepository defines storage operations for registered dataset sources
type SourceRepository interface {
	Create(ctx context.Context, source *DataSource) error
	GetByName(ctx context.Context, name string) (*DataSource, error)
	List(ctx context.Context) ([]DataSource, error)
}

// DataAccessor is the boundary to the sensitive dataset. It returns raw
// cohort data only; aggregation and noise happen in the engine.
type DataAccessor interface {
	CohortSize(ctx context.Context, filters Filters) (int, error)
	ColumnValues(ctx context.Context, column string, filters Filters) ([]float64, error)
}
