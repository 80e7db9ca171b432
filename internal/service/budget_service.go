package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dpledger/internal/audit"
	"dpledger/internal/core"
	"dpledger/internal/ledger"
)

// MaxResetReason bounds the free-text reason stored with a reset.
const MaxResetReason = 500

// BudgetService exposes budget status, resets and the audit trail.
type BudgetService struct {
	ledger   *ledger.Ledger
	audit    *audit.Logger
	accounts core.AccountRepository
	log      *slog.Logger
}

func NewBudgetService(l *ledger.Ledger, auditLog *audit.Logger, accounts core.AccountRepository, log *slog.Logger) *BudgetService {
	if log == nil {
		log = slog.Default()
	}
	return &BudgetService{
		ledger:   l,
		audit:    auditLog,
		accounts: accounts,
		log:      log.With("component", "budget"),
	}
}

func (s *BudgetService) GetBudgetStatus(ctx context.Context, accountID string) (core.BudgetStatus, error) {
	return s.ledger.Status(ctx, accountID)
}

// ResetBudget restores accountID's budget and records a budget_reset entry.
func (s *BudgetService) ResetBudget(ctx context.Context, meta RequestMeta, accountID, reason string) (core.BudgetStatus, error) {
	if len(reason) > MaxResetReason {
		return core.BudgetStatus{}, core.ErrInvalid("reason must be at most %d characters", MaxResetReason)
	}
	if _, err := s.accounts.GetByID(ctx, accountID); err != nil {
		return core.BudgetStatus{}, err
	}

	status, err := s.ledger.Reset(ctx, accountID, func(core.PrivacyBudget) {
		s.audit.Record(core.AuditLogEntry{
			AccountID:  accountID,
			QueryType:  core.ActionBudgetReset,
			Status:     core.StatusSuccess,
			Reason:     resetReason(meta.AccountID, reason),
			SourceAddr: meta.SourceAddr,
			RequestID:  meta.RequestID,
		})
	})
	if err != nil {
		return core.BudgetStatus{}, err
	}
	s.log.Info("budget reset", "account_id", accountID, "by", meta.AccountID, "request_id", meta.RequestID)
	return status, nil
}

// ResetPlatform restores every budget and clears the audit log. The cleared
// log starts with the platform_reset entry.
func (s *BudgetService) ResetPlatform(ctx context.Context, meta RequestMeta, reason string) (int, error) {
	if len(reason) > MaxResetReason {
		return 0, core.ErrInvalid("reason must be at most %d characters", MaxResetReason)
	}

	var clearErr error
	n, err := s.ledger.ResetAll(ctx, func() {
		if clearErr = s.audit.Clear(context.WithoutCancel(ctx)); clearErr != nil {
			return
		}
		s.audit.Record(core.AuditLogEntry{
			AccountID:  meta.AccountID,
			QueryType:  core.ActionPlatformReset,
			Status:     core.StatusSuccess,
			Reason:     resetReason(meta.AccountID, reason),
			SourceAddr: meta.SourceAddr,
			RequestID:  meta.RequestID,
		})
	})
	if err != nil {
		return n, err
	}
	if clearErr != nil {
		return n, fmt.Errorf("budgets reset but audit log not cleared: %w", clearErr)
	}
	s.log.Warn("platform reset", "accounts", n, "by", meta.AccountID, "request_id", meta.RequestID)
	return n, nil
}

func resetReason(actor, reason string) string {
	if reason == "" {
		return "reset by " + actor
	}
	return "reset by " + actor + ": " + reason
}

// HistoryPage is one page of audit entries, newest first.
type HistoryPage struct {
	Entries       []core.AuditLogEntry `json:"entries"`
	Total         int64                `json:"total"`
	NextPageToken string               `json:"next_page_token,omitempty"`
}

// GetAuditHistory lists audit entries visible to caller. Analysts only see
// their own entries whatever the filter asks for.
func (s *BudgetService) GetAuditHistory(ctx context.Context, caller *core.Account, filter core.AuditFilter, page core.PageRequest) (*HistoryPage, error) {
	if !caller.IsAdmin() {
		filter.AccountID = caller.ID
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, core.ErrInvalid("date_from must not be after date_to")
	}
	entries, total, err := s.audit.History(ctx, filter, page)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []core.AuditLogEntry{}
	}
	return &HistoryPage{
		Entries:       entries,
		Total:         total,
		NextPageToken: core.NextPageToken(page.Offset(), page.Limit(), total),
	}, nil
}

// Overview summarizes the caller's own activity.
type Overview struct {
	AccountID   string            `json:"account_id"`
	Stats       *core.AuditStats  `json:"stats"`
	Budget      core.BudgetStatus `json:"budget"`
	GeneratedAt time.Time         `json:"generated_at"`
}

func (s *BudgetService) Overview(ctx context.Context, accountID string) (*Overview, error) {
	stats, err := s.audit.Stats(ctx, core.AuditFilter{AccountID: accountID})
	if err != nil {
		return nil, err
	}
	budget, err := s.ledger.Status(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Overview{
		AccountID:   accountID,
		Stats:       stats,
		Budget:      budget,
		GeneratedAt: time.Now().UTC(),
	}, nil
}
