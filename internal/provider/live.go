package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeloop/internal/ids"
	"tradeloop/internal/logging"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
	"tradeloop/internal/traderrors"
)

type (
	// Exchange is the venue client the live provider drives. Implementations
	// wrap the real trading API; errors flagged as auth or rate-limit
	// failures make the provider fail closed.
	Exchange interface {
		SubmitMarketOrder(ctx context.Context, symbol, side string, notionalUSD float64, qty *float64) (venueOrderID string, err error)
		OrderStatus(ctx context.Context, venueOrderID string) (*VenueOrderState, error)
		Fills(ctx context.Context, venueOrderID string) ([]*store.Fill, error)
		Balances(ctx context.Context) (map[string]float64, error)
		Positions(ctx context.Context) (map[string]float64, float64, error)
	}

	// VenueOrderState is the venue's view of an order.
	VenueOrderState struct {
		Status       state.OrderStatus
		FilledQty    *float64
		AvgFillPrice *float64
		TotalFees    *float64
		Reason       string
	}

	// Live places real exchange orders and polls them to a terminal status.
	// Every external call produces a tool_calls audit row.
	Live struct {
		store    *store.Store
		exchange Exchange

		// pollBase is the initial poll interval; doubled per attempt up to
		// pollCap. Shrunk in tests.
		pollBase time.Duration
		pollCap  time.Duration
	}
)

// ErrFailClosed marks an external failure that must stop the run rather than
// retry blindly (auth rejection, rate limiting).
var ErrFailClosed = errors.New("exchange fail-closed")

// NewLive builds the live provider.
func NewLive(s *store.Store, exchange Exchange) *Live {
	return &Live{store: s, exchange: exchange, pollBase: 500 * time.Millisecond, pollCap: 10 * time.Second}
}

// Name implements BrokerProvider.
func (l *Live) Name() string { return "coinbase" }

// Capabilities implements BrokerProvider.
func (l *Live) Capabilities() Capabilities {
	return Capabilities{
		MaxOrdersPerSubmit:  1,
		SupportsBatchSubmit: false,
		SellUsesBaseSize:    true,
		BuyUsesQuoteSize:    true,
	}
}

// PlaceOrder submits to the venue and polls until the order reaches a
// terminal status or ctx expires. The orders row is written before the first
// poll so a crash mid-poll leaves a reconcilable SUBMITTED row.
func (l *Live) PlaceOrder(ctx context.Context, req PlaceRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	order := &store.Order{
		OrderID:     ids.New(ids.PrefixOrder),
		RunID:       req.RunID,
		TenantID:    req.TenantID,
		Provider:    l.Name(),
		Symbol:      req.Symbol,
		Side:        req.Side,
		OrderType:   "MARKET",
		NotionalUSD: req.NotionalUSD,
		Qty:         req.Qty,
		Status:      state.OrderSubmitted,
	}
	if err := l.store.InsertOrder(ctx, order); err != nil {
		return "", err
	}

	venueID, err := audit(ctx, l.store, req.RunID, "submit_market_order",
		map[string]any{"symbol": req.Symbol, "side": req.Side, "notional_usd": req.NotionalUSD},
		func(ctx context.Context) (string, error) {
			return l.exchange.SubmitMarketOrder(ctx, req.Symbol, req.Side, req.NotionalUSD, req.Qty)
		})
	if err != nil {
		reason := fmt.Sprintf("submit failed: %v", err)
		if uerr := l.store.UpdateOrderStatus(ctx, order.OrderID, state.OrderFailed, reason, nil, nil, nil); uerr != nil {
			logging.Error(ctx, "mark order failed", "order_id", order.OrderID, "err", uerr.Error())
		}
		_ = l.store.AppendOrderEvent(ctx, order.OrderID, "FAILED", "")
		return "", l.failClosed(err)
	}
	submitted, _ := json.Marshal(map[string]any{"venue_order_id": venueID})
	if err := l.store.AppendOrderEvent(ctx, order.OrderID, "SUBMITTED", string(submitted)); err != nil {
		return "", err
	}

	if err := l.pollToTerminal(ctx, req.RunID, order.OrderID, venueID); err != nil {
		return order.OrderID, err
	}
	return order.OrderID, nil
}

// pollToTerminal polls the venue with exponential backoff until the order is
// terminal. A deadline expiry marks the order TIMEOUT for later reconcile.
func (l *Live) pollToTerminal(ctx context.Context, runID, orderID, venueID string) error {
	interval := l.pollBase
	for {
		st, err := audit(ctx, l.store, runID, "get_order_status",
			map[string]any{"venue_order_id": venueID},
			func(ctx context.Context) (*VenueOrderState, error) {
				return l.exchange.OrderStatus(ctx, venueID)
			})
		if err != nil {
			if fcErr := l.failClosed(err); errors.Is(fcErr, ErrFailClosed) {
				_ = l.store.UpdateOrderStatus(ctx, orderID, state.OrderFailed, err.Error(), nil, nil, nil)
				return fcErr
			}
			logging.Warn(ctx, "order status poll failed", "order_id", orderID, "err", err.Error())
		} else if st != nil {
			payload, _ := json.Marshal(map[string]any{"status": st.Status})
			_ = l.store.AppendOrderEvent(ctx, orderID, string(st.Status), string(payload))
			if state.OrderTerminal(st.Status) {
				if err := l.store.UpdateOrderStatus(ctx, orderID, st.Status, st.Reason, st.FilledQty, st.AvgFillPrice, st.TotalFees); err != nil {
					return err
				}
				if st.Status == state.OrderFilled {
					return l.recordFills(ctx, runID, orderID, venueID)
				}
				return nil
			}
		}

		select {
		case <-ctx.Done():
			_ = l.store.UpdateOrderStatus(ctx, orderID, state.OrderTimeout, "poll deadline exhausted", nil, nil, nil)
			return traderrors.New(traderrors.CodeExecutionTimeout, "order did not reach a terminal status in time")
		case <-time.After(interval):
		}
		if interval *= 2; interval > l.pollCap {
			interval = l.pollCap
		}
	}
}

func (l *Live) recordFills(ctx context.Context, runID, orderID, venueID string) error {
	fills, err := audit(ctx, l.store, runID, "get_fills",
		map[string]any{"venue_order_id": venueID},
		func(ctx context.Context) ([]*store.Fill, error) {
			return l.exchange.Fills(ctx, venueID)
		})
	if err != nil {
		logging.Warn(ctx, "fill fetch failed", "order_id", orderID, "err", err.Error())
		return nil
	}
	for _, f := range fills {
		f.OrderID = orderID
		if err := l.store.InsertFill(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// GetPositions implements BrokerProvider.
func (l *Live) GetPositions(ctx context.Context, tenantID string) (*Positions, error) {
	positions, total, err := l.exchange.Positions(ctx)
	if err != nil {
		return nil, l.failClosed(err)
	}
	return &Positions{Positions: positions, TotalValueUSD: total}, nil
}

// GetBalances implements BrokerProvider.
func (l *Live) GetBalances(ctx context.Context, tenantID string) (map[string]float64, error) {
	balances, err := l.exchange.Balances(ctx)
	if err != nil {
		return nil, l.failClosed(err)
	}
	return balances, nil
}

// GetFills implements BrokerProvider from the stored fills.
func (l *Live) GetFills(ctx context.Context, orderID string) ([]*store.Fill, error) {
	return l.store.ListFills(ctx, orderID)
}

// Reconcile re-polls a non-terminal order once and applies the venue status.
func (l *Live) Reconcile(ctx context.Context, runID, orderID, venueID string) (*VenueOrderState, error) {
	st, err := l.exchange.OrderStatus(ctx, venueID)
	if err != nil {
		return nil, l.failClosed(err)
	}
	if state.OrderTerminal(st.Status) {
		if err := l.store.UpdateOrderStatus(ctx, orderID, st.Status, st.Reason, st.FilledQty, st.AvgFillPrice, st.TotalFees); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// audit wraps one external call in a tool_calls row.
func audit[T any](ctx context.Context, s *store.Store, runID, tool string, req map[string]any, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	reqJSON, _ := json.Marshal(req)
	tc := &store.ToolCall{RunID: runID, ToolName: tool, RequestJSON: string(reqJSON), Status: "PENDING"}
	if err := s.RecordToolCall(ctx, tc); err != nil {
		return zero, err
	}
	out, err := fn(ctx)
	if err != nil {
		_ = s.UpdateToolCall(ctx, tc.ID, "ERROR", "", err.Error())
		return zero, err
	}
	resp, _ := json.Marshal(out)
	_ = s.UpdateToolCall(ctx, tc.ID, "OK", string(resp), "")
	return out, nil
}

// failClosed classifies venue errors: auth and rate-limit failures wrap
// ErrFailClosed so the runner stops instead of retrying.
func (l *Live) failClosed(err error) error {
	msg := err.Error()
	switch {
	case containsAny(msg, "unauthorized", "forbidden", "invalid api key", "authentication"):
		return fmt.Errorf("%w: %v", ErrFailClosed, err)
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return fmt.Errorf("%w: %v", ErrFailClosed,
			traderrors.New(traderrors.CodeProductAPIRateLimited, msg))
	default:
		return err
	}
}

func containsAny(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
