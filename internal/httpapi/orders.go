package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tradeloop/internal/provider"
	"tradeloop/internal/state"
)

// Reconciler re-polls the venue for a non-terminal order. Satisfied by
// provider.Live; nil on deployments without a live exchange.
type Reconciler interface {
	Reconcile(ctx context.Context, runID, orderID, venueID string) (*provider.VenueOrderState, error)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	orders, err := s.store.ListOrdersByTenant(r.Context(), claims.TenantID, limit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orderViews(orders)})
}

// handleOrderReconcile re-polls the venue once for a SUBMITTED/OPEN order and
// applies the result. Paper and replay orders are always terminal, so this is
// a live-only operation.
func (s *Server) handleOrderReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := claimsFrom(ctx)
	order, err := s.store.GetOrder(ctx, claims.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if state.OrderTerminal(order.Status) {
		writeJSON(w, http.StatusOK, map[string]any{
			"order_id": order.OrderID, "status": order.Status, "reconciled": false,
		})
		return
	}
	if s.reconciler == nil {
		writeError(w, r, http.StatusUnprocessableEntity, "RECONCILE_UNAVAILABLE",
			"no live provider configured", "")
		return
	}
	venueID := s.venueOrderID(ctx, order.OrderID)
	if venueID == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "VENUE_ORDER_UNKNOWN",
			"order has no recorded venue order id", "")
		return
	}
	st, err := s.reconciler.Reconcile(ctx, order.RunID, order.OrderID, venueID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id": order.OrderID, "status": st.Status, "reconciled": true,
	})
}

func (s *Server) handleOrderFillStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := claimsFrom(ctx)
	order, err := s.store.GetOrder(ctx, claims.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	fills, err := s.store.ListFills(ctx, order.OrderID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	events, err := s.store.ListOrderEvents(ctx, order.OrderID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	fillViews := make([]map[string]any, 0, len(fills))
	for _, f := range fills {
		fillViews = append(fillViews, map[string]any{
			"fill_id": f.FillID, "price": f.Price, "size": f.Size, "fee": f.Fee, "filled_at": f.FilledAt,
		})
	}
	eventViews := make([]map[string]any, 0, len(events))
	for _, e := range events {
		eventViews = append(eventViews, map[string]any{
			"event_type": e.EventType, "payload": rawOrNull(e.PayloadJSON), "ts": e.TS,
		})
	}
	resp := orderView(order)
	resp["fills"] = fillViews
	resp["events"] = eventViews
	writeJSON(w, http.StatusOK, resp)
}

// venueOrderID recovers the venue order id from the SUBMITTED order event.
func (s *Server) venueOrderID(ctx context.Context, orderID string) string {
	events, err := s.store.ListOrderEvents(ctx, orderID)
	if err != nil {
		return ""
	}
	for _, e := range events {
		if e.EventType != "SUBMITTED" || e.PayloadJSON == "" {
			continue
		}
		var payload struct {
			VenueOrderID string `json:"venue_order_id"`
		}
		if json.Unmarshal([]byte(e.PayloadJSON), &payload) == nil && payload.VenueOrderID != "" {
			return payload.VenueOrderID
		}
	}
	return ""
}
