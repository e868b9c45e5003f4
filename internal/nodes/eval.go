package nodes

import (
	"context"

	"tradeloop/internal/evals"
)

// Eval runs the heuristic evaluators over the finished run. Scores are
// recorded, never enforced.
func Eval(ctx context.Context, d *Deps, rc *RunContext) (*Result, error) {
	evals.EmitAll(ctx, d.Store, rc.Run)
	results, err := d.Store.ListEvalResults(ctx, rc.Run.RunID)
	if err != nil {
		return nil, err
	}
	outputs := map[string]any{"eval_count": len(results)}
	return &Result{Outputs: outputs}, nil
}
