package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"dpledger/internal/audit"
	"dpledger/internal/core"
	"dpledger/internal/data"
	"dpledger/internal/dataset"
	"dpledger/internal/ledger"
	"dpledger/internal/mechanism"
	"dpledger/internal/policy"
	"dpledger/internal/service"
)

var discard = slog.New(slog.DiscardHandler)

type apiEnv struct {
	server     *httptest.Server
	auth       *service.AuthService
	adminKey   string
	analystKey string
	analyst    *core.Account
}

func newAPIEnv(t *testing.T, limiter *RateLimiter) *apiEnv {
	t.Helper()
	ctx := context.Background()
	db, err := data.InitDB(filepath.Join(t.TempDir(), "dpledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	auditLog, err := audit.New(ctx, data.NewAuditRepo(db), audit.Options{RetryInterval: 10 * time.Millisecond, Logger: discard})
	require.NoError(t, err)
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = auditLog.Close(cctx)
	})

	l := ledger.New(data.NewBudgetRepo(db), ledger.Options{DefaultTotal: 2, History: auditLog.GrantedSince, Logger: discard})
	accounts := data.NewAccountRepo(db)
	auth := service.NewAuthService(accounts, data.NewApiKeyRepo(db), l, discard).WithCost(bcrypt.MinCost)
	store, err := policy.NewStore(ctx, data.NewPolicyRepo(db), discard)
	require.NoError(t, err)

	acc := dataset.NewMemoryAccessor(dataset.Records(dataset.SyntheticPatients(300, 5)))
	exec := service.NewQueryExecutor(l, store, auditLog, acc, mechanism.NewEngine(nil), service.ExecutorOptions{Logger: discard})
	budgets := service.NewBudgetService(l, auditLog, accounts, discard)

	h := NewHandler(exec, budgets, auth, store, limiter, discard)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	_, adminKey, err := auth.CreateAccount(ctx, service.NewAccount{DisplayName: "Admin", Role: core.RoleAdmin})
	require.NoError(t, err)
	analyst, analystKey, err := auth.CreateAccount(ctx, service.NewAccount{DisplayName: "Analyst"})
	require.NoError(t, err)

	return &apiEnv{server: srv, auth: auth, adminKey: adminKey, analystKey: analystKey, analyst: analyst}
}

func (e *apiEnv) do(t *testing.T, method, path, key, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestAuthRequired(t *testing.T) {
	env := newAPIEnv(t, nil)

	resp, body := env.do(t, http.MethodGet, "/api/epsilon/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["kind"])

	resp, _ = env.do(t, http.MethodGet, "/api/epsilon/status", strings.Repeat("a", 64), "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/docs/openapi.json", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestQueryEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/api/query/count", env.analystKey, `{"epsilon":0.5,"sensitivity":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, 300.0, body["true_result"])
	assert.IsType(t, float64(0), body["noisy_result"])
	assert.IsType(t, float64(0), body["noise_added"])
	assert.Equal(t, "count", body["query_type"])
	assert.InDelta(t, 1.5, body["budget_remaining"], 1e-9)

	resp, body = env.do(t, http.MethodPost, "/api/query/histogram", env.analystKey, `{"column":"age","epsilon":0.5,"sensitivity":1,"bins":5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Len(t, body["noisy_result"], 5)
	assert.Len(t, body["bin_edges"], 6)

	resp, body = env.do(t, http.MethodPost, "/api/query/count", env.analystKey, `{"epsilon":1.5,"sensitivity":1}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, core.KindBudgetExhausted, body["kind"])
	assert.Contains(t, body["error"], "insufficient privacy budget")
}

func TestQueryEndpoint_ErrorMapping(t *testing.T) {
	env := newAPIEnv(t, nil)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		kind   string
	}{
		{"unknown type", "/api/query/variance", `{"epsilon":1,"sensitivity":1}`, http.StatusBadRequest, core.KindInvalidParameters},
		{"unknown field", "/api/query/count", `{"epsilon":1,"sensitivity":1,"column":"age"}`, http.StatusBadRequest, core.KindInvalidParameters},
		{"unknown filter", "/api/query/count", `{"epsilon":1,"sensitivity":1,"filters":{"race":"x"}}`, http.StatusBadRequest, core.KindInvalidParameters},
		{"restricted column", "/api/query/mean", `{"column":"ssn","epsilon":1,"sensitivity":1}`, http.StatusForbidden, core.KindPolicyRejection},
		{"gaussian no delta", "/api/query/count", `{"epsilon":1,"sensitivity":1,"mechanism":"gaussian"}`, http.StatusBadRequest, core.KindInvalidParameters},
		{"empty body", "/api/query/count", ``, http.StatusBadRequest, core.KindInvalidParameters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, tt.path, env.analystKey, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.kind, body["kind"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestBudgetEndpoints(t *testing.T) {
	env := newAPIEnv(t, nil)

	resp, _ := env.do(t, http.MethodPost, "/api/query/count", env.analystKey, `{"epsilon":1,"sensitivity":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/epsilon/status", env.analystKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["remaining_epsilon"])
	assert.Equal(t, true, body["is_warning"])

	// Analysts cannot reset or read other accounts.
	resp, _ = env.do(t, http.MethodPost, "/api/epsilon/reset", env.analystKey, `{"confirm":true}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/epsilon/status?account_id=someone", env.analystKey, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/epsilon/reset", env.adminKey, `{"account_id":"`+env.analyst.ID+`"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "confirm")

	resp, body = env.do(t, http.MethodPost, "/api/epsilon/reset", env.adminKey, `{"confirm":true,"account_id":"`+env.analyst.ID+`","reason":"audit"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, 2.0, body["remaining_epsilon"])

	resp, body = env.do(t, http.MethodGet, "/api/epsilon/status?account_id="+env.analyst.ID, env.adminKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.0, body["remaining_epsilon"])

	resp, body = env.do(t, http.MethodPost, "/api/epsilon/reset", env.adminKey, `{"confirm":true,"account_id":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, core.KindNotFound, body["kind"])
}

func TestHistoryAndOverview(t *testing.T) {
	env := newAPIEnv(t, nil)

	for i := 0; i < 3; i++ {
		resp, _ := env.do(t, http.MethodPost, "/api/query/count", env.analystKey, `{"epsilon":0.1,"sensitivity":1}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := env.do(t, http.MethodPost, "/api/query/mean", env.analystKey, `{"column":"diagnosis","epsilon":0.1,"sensitivity":1}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/logs/history?max_results=2", env.analystKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4.0, body["total"])
	assert.Len(t, body["entries"], 2)
	token, _ := body["next_page_token"].(string)
	require.NotEmpty(t, token)

	resp, body = env.do(t, http.MethodGet, "/api/logs/history?max_results=2&page_token="+token, env.analystKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["entries"], 2)
	assert.Nil(t, body["next_page_token"])

	resp, body = env.do(t, http.MethodGet, "/api/logs/history?status=blocked", env.analystKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["total"])

	resp, _ = env.do(t, http.MethodGet, "/api/logs/history?status=maybe", env.analystKey, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/logs/history?date_from=yesterday", env.analystKey, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	today := time.Now().UTC().Format(time.DateOnly)
	resp, body = env.do(t, http.MethodGet, "/api/logs/history?date_from="+today+"&date_to="+today, env.analystKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4.0, body["total"])

	// The admin has no entries of its own but sees everyone's.
	resp, body = env.do(t, http.MethodGet, "/api/logs/history", env.adminKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4.0, body["total"])

	resp, body = env.do(t, http.MethodGet, "/api/stats/overview", env.analystKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := body["stats"].(map[string]any)
	assert.Equal(t, 4.0, stats["total_queries"])
	assert.InDelta(t, 0.3, stats["total_epsilon_consumed"], 1e-9)
}

func TestPlatformReset(t *testing.T) {
	env := newAPIEnv(t, nil)

	resp, _ := env.do(t, http.MethodPost, "/api/query/count", env.analystKey, `{"epsilon":1,"sensitivity":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/platform/reset", env.analystKey, `{"confirm":true}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/platform/reset", env.adminKey, `{"confirm":true,"reason":"new study"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, 2.0, body["accounts_reset"])

	resp, body = env.do(t, http.MethodGet, "/api/logs/history", env.adminKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["total"])
	entry := body["entries"].([]any)[0].(map[string]any)
	assert.Equal(t, core.ActionPlatformReset, entry["query_type"])

	resp, body = env.do(t, http.MethodGet, "/api/epsilon/status", env.analystKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.0, body["remaining_epsilon"])
}

func TestPolicyEndpoints(t *testing.T) {
	env := newAPIEnv(t, nil)

	resp, body := env.do(t, http.MethodGet, "/api/policy", env.analystKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["version"])
	assert.Equal(t, 10.0, body["min_cohort_size"])

	update := `{"expected_version":1,"global_epsilon_limit":1,"max_queries_per_hour":10,"allowed_mechanisms":["laplace"],"restricted_columns":["ssn","weight"],"min_cohort_size":5}`
	resp, _ = env.do(t, http.MethodPut, "/api/policy", env.analystKey, update)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = env.do(t, http.MethodPut, "/api/policy", env.adminKey, update)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, 2.0, body["version"])

	resp, body = env.do(t, http.MethodPut, "/api/policy", env.adminKey, update)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, core.KindConflict, body["kind"])

	resp, _ = env.do(t, http.MethodPut, "/api/policy", env.adminKey, `{"global_epsilon_limit":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The new version governs the next request.
	resp, body = env.do(t, http.MethodPost, "/api/query/mean", env.analystKey, `{"column":"weight","epsilon":0.5,"sensitivity":1}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body["error"], "column access denied")
	resp, body = env.do(t, http.MethodPost, "/api/query/count", env.analystKey, `{"epsilon":0.5,"sensitivity":1,"mechanism":"gaussian","delta":0.00001}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body["error"], "mechanism not permitted")
}

func TestHTTPRateLimit(t *testing.T) {
	env := newAPIEnv(t, NewRateLimiter(60, 2))

	for i := 0; i < 2; i++ {
		resp, _ := env.do(t, http.MethodGet, "/api/epsilon/status", env.analystKey, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := env.do(t, http.MethodGet, "/api/epsilon/status", env.analystKey, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate_limited", body["kind"])

	// Buckets are per account.
	resp, _ = env.do(t, http.MethodGet, "/api/epsilon/status", env.adminKey, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
