package nodes

import (
	"context"
	"strings"

	"tradeloop/internal/bus"
	"tradeloop/internal/policy"
	"tradeloop/internal/telemetry"
	"tradeloop/internal/traderrors"
)

// PolicyCheckOutputs is the policy stage contract.
type PolicyCheckOutputs struct {
	Decision policy.Decision `json:"decision"`
	Reasons  []string        `json:"reasons"`
}

// PolicyCheck runs the deterministic pre-trade policy over the proposal and
// emits POLICY_DECISION. A BLOCKED decision fails the run; REQUIRES_APPROVAL
// is consumed by the approval stage.
func PolicyCheck(ctx context.Context, d *Deps, rc *RunContext) (*Result, error) {
	var proposal ProposalOutputs
	if err := outputsOf(ctx, d, rc.Run.RunID, StageProposal, &proposal); err != nil {
		return nil, err
	}

	// A blocked proposal has nothing to police; pass it through so the run
	// completes with its blocked receipt.
	if proposal.Blocked || len(proposal.Orders) == 0 {
		outputs, _ := toOutputs(PolicyCheckOutputs{Decision: policy.Allowed, Reasons: []string{"no orders proposed"}})
		return &Result{Outputs: outputs}, nil
	}

	order := proposal.Orders[0]
	existing, err := d.Store.ListOrdersByRun(ctx, rc.Run.RunID)
	if err != nil {
		return nil, err
	}

	res, err := d.Policy.Check(ctx, rc.Run.TenantID, policy.Proposal{
		Symbol:              order.Symbol,
		Side:                order.Side,
		NotionalUSD:         order.NotionalUSD,
		AutoSelected:        rc.Intent.AutoSelect,
		TradabilityVerified: rc.Run.TradabilityVerified,
		CitationCount:       citationCount(ctx, d, rc.Run.RunID, order.Symbol),
		CommandRun:          rc.Run.CommandText != "",
	}, len(existing), proposal.ExecutionMode)
	if err != nil {
		return nil, err
	}

	telemetry.PolicyDecisions.WithLabelValues(string(res.Decision)).Inc()
	if _, err := d.Bus.Emit(ctx, rc.Run.RunID, rc.Run.TenantID, bus.EventPolicyDecision, res); err != nil {
		return nil, err
	}

	if res.Decision == policy.Blocked {
		return nil, traderrors.New(traderrors.CodePolicyBlocked, strings.Join(res.Reasons, "; "))
	}

	outputs, err := toOutputs(PolicyCheckOutputs{Decision: res.Decision, Reasons: res.Reasons})
	if err != nil {
		return nil, err
	}
	return &Result{Outputs: outputs}, nil
}

// citationCount counts the evidence rows backing the proposal: candle batches
// plus frozen news items for the symbol.
func citationCount(ctx context.Context, d *Deps, runID, symbol string) int {
	count := 0
	if batches, err := d.Store.ListCandlesBatches(ctx, runID, symbol); err == nil {
		count += len(batches)
	}
	if items, err := d.Store.ListNewsEvidence(ctx, runID, symbol); err == nil {
		count += len(items)
	}
	return count
}
