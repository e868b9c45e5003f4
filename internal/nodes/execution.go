package nodes

import (
	"context"
	"time"

	"tradeloop/internal/artifacts"
	"tradeloop/internal/logging"
	"tradeloop/internal/provider"
	"tradeloop/internal/state"
	"tradeloop/internal/telemetry"
)

// ExecutionOutputs is the execution stage contract.
type ExecutionOutputs struct {
	OrderID string `json:"order_id,omitempty"`
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

// Execution places the proposed order through the run's broker. A locked
// product id always wins over the proposal symbol. ASSISTED_LIVE produces an
// order ticket and submits nothing.
func Execution(ctx context.Context, d *Deps, rc *RunContext) (*Result, error) {
	var proposal ProposalOutputs
	if err := outputsOf(ctx, d, rc.Run.RunID, StageProposal, &proposal); err != nil {
		return nil, err
	}

	if proposal.Blocked || len(proposal.Orders) == 0 {
		outputs, _ := toOutputs(ExecutionOutputs{Skipped: true, Reason: "blocked proposal"})
		return &Result{Outputs: outputs}, nil
	}

	order := proposal.Orders[0]
	if locked := rc.Run.LockedProductID; locked != "" && locked != order.Symbol {
		logging.Warn(ctx, "proposal symbol differs from locked product, overriding",
			"run_id", rc.Run.RunID, "proposed", order.Symbol, "locked", locked)
		order.Symbol = locked
	}

	if proposal.ExecutionMode == state.ModeAssistedLive {
		ticket := map[string]any{
			"symbol": order.Symbol, "side": order.Side,
			"notional_usd": order.NotionalUSD, "order_type": order.OrderType,
			"instructions": "submit manually through your brokerage",
			"created_at":   time.Now().UTC(),
		}
		if err := artifacts.Put(ctx, d.Store, rc.Run.RunID, StageExecution, artifacts.TypeOrderTicket, ticket); err != nil {
			return nil, err
		}
		outputs, _ := toOutputs(ExecutionOutputs{Skipped: true, Reason: "assisted live: order ticket produced"})
		return &Result{Outputs: outputs}, nil
	}

	broker, err := d.Provider(rc.Run.ExecutionMode)
	if err != nil {
		return nil, err
	}
	orderID, err := broker.PlaceOrder(ctx, provider.PlaceRequest{
		RunID:       rc.Run.RunID,
		TenantID:    rc.Run.TenantID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		NotionalUSD: order.NotionalUSD,
		SourceRunID: rc.Run.SourceRunID,
	})
	if err != nil {
		if orderID != "" {
			if o, gerr := d.Store.GetOrder(ctx, "", orderID); gerr == nil {
				telemetry.OrdersTotal.WithLabelValues(string(rc.Run.ExecutionMode), string(o.Status)).Inc()
			}
		}
		return nil, err
	}
	if o, gerr := d.Store.GetOrder(ctx, "", orderID); gerr == nil {
		telemetry.OrdersTotal.WithLabelValues(string(rc.Run.ExecutionMode), string(o.Status)).Inc()
	}

	outputs, err := toOutputs(ExecutionOutputs{OrderID: orderID})
	if err != nil {
		return nil, err
	}
	return &Result{Outputs: outputs}, nil
}
