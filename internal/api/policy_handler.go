package api

import (
	"net/http"

	"dpledger/internal/core"
)

func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.policies.Current())
}

// policyUpdate is the full next policy plus the version it replaces.
type policyUpdate struct {
	ExpectedVersion    *int64           `json:"expected_version"`
	GlobalEpsilonLimit float64          `json:"global_epsilon_limit"`
	MaxQueriesPerHour  int              `json:"max_queries_per_hour"`
	AllowedMechanisms  []core.Mechanism `json:"allowed_mechanisms"`
	RestrictedColumns  []string         `json:"restricted_columns"`
	MinCohortSize      int              `json:"min_cohort_size"`
}

func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyUpdate
	if err := decodeStrict(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if req.ExpectedVersion == nil {
		writeError(w, r, h.log, core.ErrInvalid("expected_version is required"))
		return
	}

	next, err := h.policies.Update(r.Context(), core.Policy{
		GlobalEpsilonLimit: req.GlobalEpsilonLimit,
		MaxQueriesPerHour:  req.MaxQueriesPerHour,
		AllowedMechanisms:  req.AllowedMechanisms,
		RestrictedColumns:  req.RestrictedColumns,
		MinCohortSize:      req.MinCohortSize,
	}, *req.ExpectedVersion, AccountFromContext(r.Context()).ID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}
