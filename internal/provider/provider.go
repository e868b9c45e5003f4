// Package provider abstracts order placement behind a common BrokerProvider
// contract. Every variant leaves the same evidence behind: an orders row with
// fill columns populated on success, plus order events. Callers never branch
// on the variant after placement.
package provider

import (
	"context"
	"fmt"
	"strings"

	"tradeloop/internal/store"
)

type (
	// Capabilities describes the shape of orders a provider accepts.
	Capabilities struct {
		MaxOrdersPerSubmit  int
		SupportsBatchSubmit bool
		SellUsesBaseSize    bool
		BuyUsesQuoteSize    bool
	}

	// PlaceRequest is one order placement.
	PlaceRequest struct {
		RunID       string
		TenantID    string
		Symbol      string
		Side        string
		NotionalUSD float64
		// Qty overrides the notional sizing when set (SELL by base size).
		Qty *float64
		// SourceRunID drives the replay provider; ignored elsewhere.
		SourceRunID string
	}

	// Positions is the aggregated holdings view.
	Positions struct {
		Positions     map[string]float64 `json:"positions"`
		TotalValueUSD float64            `json:"total_value_usd"`
	}

	// BrokerProvider places orders and reports holdings.
	BrokerProvider interface {
		Name() string
		Capabilities() Capabilities
		PlaceOrder(ctx context.Context, req PlaceRequest) (orderID string, err error)
		GetPositions(ctx context.Context, tenantID string) (*Positions, error)
		GetBalances(ctx context.Context, tenantID string) (map[string]float64, error)
		// GetFills returns executions for an order. Providers without an
		// external venue return the stored fills.
		GetFills(ctx context.Context, orderID string) ([]*store.Fill, error)
	}
)

// baseAsset extracts the base currency from a product id like BTC-USD.
func baseAsset(symbol string) string {
	if i := strings.IndexByte(symbol, '-'); i > 0 {
		return symbol[:i]
	}
	return symbol
}

func validateRequest(req PlaceRequest) error {
	if req.RunID == "" || req.TenantID == "" {
		return fmt.Errorf("place order: run_id and tenant_id are required")
	}
	if req.Symbol == "" {
		return fmt.Errorf("place order: symbol is required")
	}
	if req.Side != "BUY" && req.Side != "SELL" {
		return fmt.Errorf("place order: side must be BUY or SELL, got %q", req.Side)
	}
	if req.NotionalUSD <= 0 && req.Qty == nil {
		return fmt.Errorf("place order: notional or qty is required")
	}
	return nil
}
