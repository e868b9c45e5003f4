package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	var body struct {
		CommandText string `json:"command_text,omitempty"`
	}
	if r.ContentLength > 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	resp, err := s.gate.Confirm(r.Context(), claims.TenantID, chi.URLParam(r, "id"), body.CommandText)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmEnvelope(resp))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	resp, err := s.gate.Cancel(r.Context(), claims.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmEnvelope(resp))
}

func (s *Server) handleConfirmationStatus(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	resp, err := s.gate.Status(r.Context(), claims.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
