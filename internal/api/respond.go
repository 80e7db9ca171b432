package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"dpledger/internal/core"
	"dpledger/internal/service"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind string) int {
	switch kind {
	case core.KindInvalidParameters:
		return http.StatusBadRequest
	case core.KindPolicyRejection, core.KindBudgetExhausted:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	case core.KindLedgerBusy:
		return http.StatusServiceUnavailable
	case core.KindDataAccess:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	if errors.Is(err, service.ErrInvalidAPIKey) {
		writeJSONError(w, http.StatusUnauthorized, "invalid X-API-Key", "unauthorized")
		return
	}
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// Client went away; nobody reads the response.
		w.WriteHeader(499)
		return
	}

	kind := core.Kind(err)
	status := statusFor(kind)
	switch {
	case kind == core.KindLedgerBusy:
		w.Header().Set("Retry-After", "1")
	case status == http.StatusInternalServerError:
		log.Error("internal error", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
	}
	writeJSONError(w, status, core.Reason(err), kind)
}

// decodeStrict decodes a JSON body, rejecting unknown fields and trailing data.
func decodeStrict(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return core.ErrInvalid("invalid request body: %v", err)
	}
	if dec.More() {
		return core.ErrInvalid("invalid request body: trailing data")
	}
	return nil
}
