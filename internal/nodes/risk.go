package nodes

import (
	"context"
	"fmt"

	"tradeloop/internal/traderrors"
)

// feeBufferRate is the informational fee reserve. It is reported, never
// subtracted: exchanges deduct fees from the quote themselves, and
// subtracting here would double-count.
const feeBufferRate = 0.006

// RiskOutputs is the risk stage contract.
type RiskOutputs struct {
	NotionalUSD  float64 `json:"notional_usd"`
	FeeBufferUSD float64 `json:"fee_buffer_usd"`
	MaxNotional  float64 `json:"max_notional_usd"`
	MinOrderSize float64 `json:"min_order_size_usd"`
}

// Risk enforces the order size bounds and reports the fee buffer.
func Risk(ctx context.Context, d *Deps, rc *RunContext) (*Result, error) {
	notional := rc.Intent.NotionalUSD
	limits := d.Config.Policy

	if notional > limits.MaxNotionalPerOrderUSD {
		return nil, traderrors.New(traderrors.CodePolicyBlocked,
			fmt.Sprintf("notional $%.2f exceeds the $%.2f per-order limit", notional, limits.MaxNotionalPerOrderUSD)).
			WithRemediation(fmt.Sprintf("retry with an amount of $%.2f or less", limits.MaxNotionalPerOrderUSD))
	}
	if notional < limits.MinOrderSizeUSD {
		return nil, traderrors.New(traderrors.CodeMinNotionalTooHigh,
			fmt.Sprintf("notional $%.2f is below the $%.2f minimum order size", notional, limits.MinOrderSizeUSD)).
			WithRemediation(fmt.Sprintf("retry with at least $%.2f", limits.MinOrderSizeUSD))
	}

	outputs, err := toOutputs(RiskOutputs{
		NotionalUSD:  notional,
		FeeBufferUSD: notional * feeBufferRate,
		MaxNotional:  limits.MaxNotionalPerOrderUSD,
		MinOrderSize: limits.MinOrderSizeUSD,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Outputs: outputs}, nil
}
