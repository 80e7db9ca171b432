package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"dpledger/internal/core"
	"dpledger/internal/policy"
	"dpledger/internal/service"
)

type Handler struct {
	executor   *service.QueryExecutor
	budgets    *service.BudgetService
	auth       *service.AuthService
	policies   *policy.Store
	limiter    *RateLimiter
	docHandler *DocHandler
	log        *slog.Logger
}

func NewHandler(executor *service.QueryExecutor, budgets *service.BudgetService, auth *service.AuthService, policies *policy.Store, limiter *RateLimiter, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		executor:   executor,
		budgets:    budgets,
		auth:       auth,
		policies:   policies,
		limiter:    limiter,
		docHandler: NewDocHandler(),
		log:        log.With("component", "api"),
	}
}

// Routes mounts everything under /api.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(LoggingMiddleware(h.log))

	r.Route("/api", func(r chi.Router) {
		// API Docs
		r.Get("/docs", h.docHandler.ServeSwaggerUI)
		r.Get("/docs/openapi.json", h.docHandler.GetOpenAPISpec)

		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)
			if h.limiter != nil {
				r.Use(h.limiter.Middleware)
			}

			r.Post("/query/{type}", h.ExecuteQuery)
			r.Get("/epsilon/status", h.BudgetStatus)
			r.Get("/logs/history", h.AuditHistory)
			r.Get("/stats/overview", h.Overview)
			r.Get("/policy", h.GetPolicy)

			r.Group(func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Post("/epsilon/reset", h.ResetBudget)
				r.Post("/platform/reset", h.ResetPlatform)
				r.Put("/policy", h.UpdatePolicy)
			})
		})
	})
	return r
}

func (h *Handler) meta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		AccountID:  AccountFromContext(r.Context()).ID,
		SourceAddr: clientIP(r),
		RequestID:  RequestIDFromContext(r.Context()),
	}
}

// queryResponse renders single-valued results as scalars and histograms as
// arrays.
type queryResponse struct {
	*core.QueryResult
	TrueResult  any `json:"true_result"`
	NoisyResult any `json:"noisy_result"`
	NoiseAdded  any `json:"noise_added"`
}

func newQueryResponse(res *core.QueryResult) queryResponse {
	out := queryResponse{
		QueryResult: res,
		TrueResult:  res.TrueResult,
		NoisyResult: res.NoisyResult,
		NoiseAdded:  res.NoiseAdded,
	}
	if res.Scalar() && len(res.NoisyResult) == 1 {
		out.TrueResult = res.TrueResult[0]
		out.NoisyResult = res.NoisyResult[0]
		out.NoiseAdded = res.NoiseAdded[0]
	}
	return out
}

func (h *Handler) ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	res, err := h.executor.ExecuteJSON(r.Context(), h.meta(r), chi.URLParam(r, "type"), http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, newQueryResponse(res))
}

// BudgetStatus returns the caller's budget. Admins may name another account.
func (h *Handler) BudgetStatus(w http.ResponseWriter, r *http.Request) {
	caller := AccountFromContext(r.Context())
	id := caller.ID
	if q := r.URL.Query().Get("account_id"); q != "" && q != caller.ID {
		if !caller.IsAdmin() {
			writeJSONError(w, http.StatusForbidden, "admin role required", "forbidden")
			return
		}
		id = q
	}
	status, err := h.budgets.GetBudgetStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type resetRequest struct {
	Confirm   bool   `json:"confirm"`
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

func (h *Handler) decodeReset(w http.ResponseWriter, r *http.Request) (resetRequest, bool) {
	var req resetRequest
	if err := decodeStrict(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return req, false
	}
	if !req.Confirm {
		writeError(w, r, h.log, core.ErrInvalid("reset requires \"confirm\": true"))
		return req, false
	}
	return req, true
}

func (h *Handler) ResetBudget(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeReset(w, r)
	if !ok {
		return
	}
	meta := h.meta(r)
	target := req.AccountID
	if target == "" {
		target = meta.AccountID
	}
	status, err := h.budgets.ResetBudget(r.Context(), meta, target, req.Reason)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) ResetPlatform(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeReset(w, r)
	if !ok {
		return
	}
	if req.AccountID != "" {
		writeError(w, r, h.log, core.ErrInvalid("account_id is not accepted for a platform reset"))
		return
	}
	n, err := h.budgets.ResetPlatform(r.Context(), h.meta(r), req.Reason)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts_reset": n})
}

func (h *Handler) AuditHistory(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseHistoryQuery(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	out, err := h.budgets.GetAuditHistory(r.Context(), AccountFromContext(r.Context()), filter, page)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func parseHistoryQuery(r *http.Request) (core.AuditFilter, core.PageRequest, error) {
	q := r.URL.Query()
	filter := core.AuditFilter{
		AccountID: q.Get("account_id"),
		QueryType: strings.ToLower(q.Get("query_type")),
	}
	switch s := core.AuditStatus(strings.ToLower(q.Get("status"))); s {
	case "", core.StatusSuccess, core.StatusBlocked:
		filter.Status = s
	default:
		return filter, core.PageRequest{}, core.ErrInvalid("status must be success or blocked")
	}

	var err error
	if filter.From, err = parseTime(q.Get("date_from"), false); err != nil {
		return filter, core.PageRequest{}, err
	}
	if filter.To, err = parseTime(q.Get("date_to"), true); err != nil {
		return filter, core.PageRequest{}, err
	}

	page := core.PageRequest{PageToken: q.Get("page_token")}
	if v := q.Get("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, core.PageRequest{}, core.ErrInvalid("max_results must be a positive integer")
		}
		page.MaxResults = n
	}
	return filter, page, nil
}

// parseTime accepts RFC 3339 or a plain date. A plain date used as an upper
// bound covers the whole day.
func parseTime(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, core.ErrInvalid("invalid date %q: use YYYY-MM-DD or RFC 3339", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return &t, nil
}

func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.budgets.Overview(r.Context(), AccountFromContext(r.Context()).ID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}
