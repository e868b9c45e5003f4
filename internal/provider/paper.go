package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"tradeloop/internal/ids"
	"tradeloop/internal/market"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
)

// Paper simulates execution deterministically: the order fills in full at the
// current price with zero fees, and a per-tenant simulated balance sheet is
// debited and credited.
type Paper struct {
	store  *store.Store
	prices market.DataSource
	clock  ids.Clock
}

// NewPaper builds the paper provider.
func NewPaper(s *store.Store, prices market.DataSource, clock ids.Clock) *Paper {
	return &Paper{store: s, prices: prices, clock: clock}
}

// Name implements BrokerProvider.
func (p *Paper) Name() string { return "paper" }

// Capabilities implements BrokerProvider.
func (p *Paper) Capabilities() Capabilities {
	return Capabilities{
		MaxOrdersPerSubmit: 1,
		SellUsesBaseSize:   true,
		BuyUsesQuoteSize:   true,
	}
}

// PlaceOrder fills the order synchronously at the current price.
func (p *Paper) PlaceOrder(ctx context.Context, req PlaceRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}
	price, err := p.prices.GetPrice(ctx, req.Symbol)
	if err != nil {
		return "", fmt.Errorf("paper price lookup %s: %w", req.Symbol, err)
	}
	if price <= 0 {
		return "", fmt.Errorf("paper price lookup %s: non-positive price %f", req.Symbol, price)
	}

	qty := req.NotionalUSD / price
	notional := req.NotionalUSD
	if req.Qty != nil {
		qty = *req.Qty
		notional = qty * price
	}
	fees := 0.0
	filledAt := p.clock.Now()

	order := &store.Order{
		OrderID:      ids.New(ids.PrefixOrder),
		RunID:        req.RunID,
		TenantID:     req.TenantID,
		Provider:     p.Name(),
		Symbol:       req.Symbol,
		Side:         req.Side,
		OrderType:    "MARKET",
		NotionalUSD:  notional,
		Qty:          &qty,
		Status:       state.OrderFilled,
		FilledQty:    &qty,
		AvgFillPrice: &price,
		TotalFees:    &fees,
		// The row is born terminal, so the status timestamp is stamped here;
		// UpdateOrderStatus never touches an already FILLED order.
		StatusUpdatedAt: &filledAt,
	}
	if err := p.store.InsertOrder(ctx, order); err != nil {
		return "", err
	}
	submitted, _ := json.Marshal(map[string]any{"symbol": req.Symbol, "side": req.Side, "notional_usd": notional})
	if err := p.store.AppendOrderEvent(ctx, order.OrderID, "SUBMITTED", string(submitted)); err != nil {
		return "", err
	}
	filled, _ := json.Marshal(map[string]any{"filled_qty": qty, "avg_fill_price": price, "total_fees": fees})
	if err := p.store.AppendOrderEvent(ctx, order.OrderID, "FILLED", string(filled)); err != nil {
		return "", err
	}

	base := baseAsset(req.Symbol)
	usdDelta, baseDelta := -notional, qty
	if req.Side == "SELL" {
		usdDelta, baseDelta = notional, -qty
	}
	if err := p.store.AdjustPaperBalance(ctx, req.TenantID, "USD", usdDelta); err != nil {
		return "", err
	}
	if err := p.store.AdjustPaperBalance(ctx, req.TenantID, base, baseDelta); err != nil {
		return "", err
	}

	if err := p.snapshot(ctx, req.RunID, req.TenantID); err != nil {
		return "", err
	}
	return order.OrderID, nil
}

// GetPositions implements BrokerProvider from the simulated balance sheet.
func (p *Paper) GetPositions(ctx context.Context, tenantID string) (*Positions, error) {
	balances, err := p.store.ListPaperBalances(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	positions := make(map[string]float64)
	total := 0.0
	for asset, amount := range balances {
		if asset == "USD" {
			total += amount
			continue
		}
		positions[asset] = amount
		price, err := p.prices.GetPrice(ctx, asset+"-USD")
		if err == nil {
			total += amount * price
		}
	}
	return &Positions{Positions: positions, TotalValueUSD: total}, nil
}

// GetBalances implements BrokerProvider.
func (p *Paper) GetBalances(ctx context.Context, tenantID string) (map[string]float64, error) {
	return p.store.ListPaperBalances(ctx, tenantID)
}

// GetFills returns the stored fills; paper orders fill synchronously so the
// fill rows written by post_trade are authoritative.
func (p *Paper) GetFills(ctx context.Context, orderID string) ([]*store.Fill, error) {
	return p.store.ListFills(ctx, orderID)
}

func (p *Paper) snapshot(ctx context.Context, runID, tenantID string) error {
	balances, err := p.store.ListPaperBalances(ctx, tenantID)
	if err != nil {
		return err
	}
	positions, err := p.GetPositions(ctx, tenantID)
	if err != nil {
		return err
	}
	balancesJSON, _ := json.Marshal(balances)
	positionsJSON, _ := json.Marshal(positions.Positions)
	return p.store.InsertSnapshot(ctx, &store.PortfolioSnapshot{
		RunID:         runID,
		TenantID:      tenantID,
		BalancesJSON:  string(balancesJSON),
		PositionsJSON: string(positionsJSON),
		TotalValueUSD: positions.TotalValueUSD,
	})
}
