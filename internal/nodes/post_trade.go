package nodes

import (
	"context"

	"tradeloop/internal/logging"
	"tradeloop/internal/state"
)

// PostTradeOutputs is the post_trade stage contract.
type PostTradeOutputs struct {
	FillCount int `json:"fill_count"`
}

// PostTrade reconciles fills for orders placed through an external venue and
// writes the final portfolio snapshot. Paper orders fill synchronously so
// their fill view is already complete.
func PostTrade(ctx context.Context, d *Deps, rc *RunContext) (*Result, error) {
	var exec ExecutionOutputs
	if err := outputsOf(ctx, d, rc.Run.RunID, StageExecution, &exec); err != nil {
		return nil, err
	}

	fillCount := 0
	if exec.OrderID != "" && rc.Run.ExecutionMode != state.ModePaper {
		broker, err := d.Provider(rc.Run.ExecutionMode)
		if err == nil {
			fills, ferr := broker.GetFills(ctx, exec.OrderID)
			if ferr != nil {
				logging.Warn(ctx, "fill fetch failed in post_trade",
					"run_id", rc.Run.RunID, "order_id", exec.OrderID, "err", ferr.Error())
			} else {
				fillCount = len(fills)
			}
		}
	} else if exec.OrderID != "" {
		fills, err := d.Store.ListFills(ctx, exec.OrderID)
		if err == nil {
			fillCount = len(fills)
		}
	}

	if err := snapshotPortfolio(ctx, d, rc); err != nil {
		return nil, err
	}

	outputs, err := toOutputs(PostTradeOutputs{FillCount: fillCount})
	if err != nil {
		return nil, err
	}
	return &Result{Outputs: outputs}, nil
}
