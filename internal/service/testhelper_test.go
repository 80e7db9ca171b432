package service

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"dpledger/internal/audit"
	"dpledger/internal/core"
	"dpledger/internal/data"
	"dpledger/internal/dataset"
	"dpledger/internal/ledger"
	"dpledger/internal/mechanism"
)

var discard = slog.New(slog.DiscardHandler)

type staticPolicy struct {
	p core.Policy
}

func (s staticPolicy) Current() core.Policy { return s.p }

// mockAccessor is a DataAccessor with function-field hooks.
type mockAccessor struct {
	CohortSizeFn   func(ctx context.Context, f core.Filters) (int, error)
	ColumnValuesFn func(ctx context.Context, column string, f core.Filters) ([]float64, error)
}

func (m *mockAccessor) CohortSize(ctx context.Context, f core.Filters) (int, error) {
	return m.CohortSizeFn(ctx, f)
}

func (m *mockAccessor) ColumnValues(ctx context.Context, column string, f core.Filters) ([]float64, error) {
	return m.ColumnValuesFn(ctx, column, f)
}

type testEnv struct {
	accounts *data.AccountRepo
	ledger   *ledger.Ledger
	audit    *audit.Logger
	auth     *AuthService
	budgets  *BudgetService
	policy   *staticPolicy
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := data.InitDB(filepath.Join(t.TempDir(), "dpledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	auditLog, err := audit.New(ctx, data.NewAuditRepo(db), audit.Options{RetryInterval: 10 * time.Millisecond, Logger: discard})
	require.NoError(t, err)
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = auditLog.Close(cctx)
	})

	l := ledger.New(data.NewBudgetRepo(db), ledger.Options{
		LockTimeout:  2 * time.Second,
		DefaultTotal: 10,
		History:      auditLog.GrantedSince,
		Logger:       discard,
	})
	accounts := data.NewAccountRepo(db)

	return &testEnv{
		accounts: accounts,
		ledger:   l,
		audit:    auditLog,
		auth:     NewAuthService(accounts, data.NewApiKeyRepo(db), l, discard).WithCost(bcrypt.MinCost),
		budgets:  NewBudgetService(l, auditLog, accounts, discard),
		policy:   &staticPolicy{p: core.DefaultPolicy()},
	}
}

// executor builds a QueryExecutor over acc with a seeded noise source.
func (e *testEnv) executor(acc core.DataAccessor) *QueryExecutor {
	return NewQueryExecutor(e.ledger, e.policy, e.audit, acc, mechanism.NewEngine(nil), ExecutorOptions{
		DatasetTimeout: 2 * time.Second,
		Logger:         discard,
	})
}

func (e *testEnv) account(t *testing.T, role core.Role, total float64) *core.Account {
	t.Helper()
	a, _, err := e.auth.CreateAccount(context.Background(), NewAccount{DisplayName: "Test " + string(role), Role: role, TotalEpsilon: total})
	require.NoError(t, err)
	return a
}

func (e *testEnv) history(t *testing.T, accountID string) []core.AuditLogEntry {
	t.Helper()
	entries, _, err := e.audit.History(context.Background(), core.AuditFilter{AccountID: accountID}, core.PageRequest{MaxResults: 500})
	require.NoError(t, err)
	return entries
}

func patients(n int) *dataset.MemoryAccessor {
	return dataset.NewMemoryAccessor(dataset.Records(dataset.SyntheticPatients(n, 42)))
}

func intPtr(v int) *int { return &v }
