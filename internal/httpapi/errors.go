package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"tradeloop/internal/confirm"
	"tradeloop/internal/store"
	"tradeloop/internal/traderrors"
)

// errorBody is the single error envelope every endpoint returns.
type errorBody struct {
	Error struct {
		Code        string `json:"code"`
		Message     string `json:"message"`
		RequestID   string `json:"request_id"`
		Remediation string `json:"remediation,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message, remediation string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	body.Error.Remediation = remediation
	body.Error.RequestID = requestID(r.Context())
	body.RequestID = body.Error.RequestID
	writeJSON(w, status, body)
}

// writeFailure maps any error onto the envelope: gate errors keep their HTTP
// status, ErrNotFound is 404, DB failures are 503, everything else is a 500
// that never leaks internals.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var ce *confirm.Error
	if errors.As(err, &ce) {
		writeError(w, r, ce.HTTPStatus, ce.Code, ce.Message, ce.Remediation)
		return
	}
	var te *traderrors.TradeError
	if errors.As(err, &te) {
		writeError(w, r, http.StatusUnprocessableEntity, te.Code, te.Message, te.Remediation)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found", "")
		return
	}
	if status, code := dbStatus(err); status != 0 {
		writeError(w, r, status, code, "database unavailable", "retry shortly")
		return
	}
	writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", "")
}

// dbStatus classifies sqlite failures. Lock exhaustion and schema drift are
// both 503 so clients retry instead of surfacing a bug report.
func dbStatus(err error) (int, string) {
	msg := strings.ToLower(err.Error())
	switch {
	case store.IsBusy(err):
		return http.StatusServiceUnavailable, "DB_BUSY"
	case strings.Contains(msg, "no such column") || strings.Contains(msg, "no such table"):
		return http.StatusServiceUnavailable, "DB_SCHEMA_OUT_OF_DATE"
	case strings.Contains(msg, "sqlite") || strings.Contains(msg, "database"):
		return http.StatusServiceUnavailable, "DB_ERROR"
	}
	return 0, ""
}
