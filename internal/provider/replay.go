package provider

import (
	"context"
	"fmt"

	"tradeloop/internal/ids"
	"tradeloop/internal/store"
)

// Replay re-executes a past run from its stored evidence. Orders are copied
// from the source run with renumbered ids; the provider never touches an
// external service.
type Replay struct {
	store *store.Store
}

// NewReplay builds the replay provider.
func NewReplay(s *store.Store) *Replay {
	return &Replay{store: s}
}

// Name implements BrokerProvider.
func (r *Replay) Name() string { return "replay" }

// Capabilities implements BrokerProvider. Mirrors the paper provider since
// replayed orders carry the source run's sizing.
func (r *Replay) Capabilities() Capabilities {
	return Capabilities{
		MaxOrdersPerSubmit: 1,
		SellUsesBaseSize:   true,
		BuyUsesQuoteSize:   true,
	}
}

// PlaceOrder copies the source order matching (symbol, side) and its order
// events onto the replaying run.
func (r *Replay) PlaceOrder(ctx context.Context, req PlaceRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}
	if req.SourceRunID == "" {
		return "", fmt.Errorf("replay: source_run_id is required")
	}
	source, err := r.store.FindSourceOrder(ctx, req.SourceRunID, req.Symbol, req.Side)
	if err != nil {
		return "", fmt.Errorf("replay: no source order for %s %s on %s: %w", req.Side, req.Symbol, req.SourceRunID, err)
	}

	copied := *source
	copied.OrderID = ids.New(ids.PrefixOrder)
	copied.RunID = req.RunID
	copied.TenantID = req.TenantID
	copied.Provider = r.Name()
	copied.CreatedAt = source.CreatedAt // preserve the original timeline
	if err := r.store.InsertOrder(ctx, &copied); err != nil {
		return "", err
	}

	events, err := r.store.ListOrderEvents(ctx, source.OrderID)
	if err != nil {
		return "", err
	}
	for _, e := range events {
		if err := r.store.AppendOrderEvent(ctx, copied.OrderID, e.EventType, e.PayloadJSON); err != nil {
			return "", err
		}
	}
	return copied.OrderID, nil
}

// GetPositions implements BrokerProvider. Replay holds no balance sheet of
// its own, so the position set is always empty; the source run's snapshots
// remain queryable on the source run.
func (r *Replay) GetPositions(ctx context.Context, tenantID string) (*Positions, error) {
	return &Positions{Positions: map[string]float64{}}, nil
}

// GetBalances implements BrokerProvider.
func (r *Replay) GetBalances(ctx context.Context, tenantID string) (map[string]float64, error) {
	return map[string]float64{}, nil
}

// GetFills returns the stored fills of the copied order.
func (r *Replay) GetFills(ctx context.Context, orderID string) ([]*store.Fill, error) {
	return r.store.ListFills(ctx, orderID)
}
