package nodes

import (
	"context"

	"tradeloop/internal/bus"
	"tradeloop/internal/policy"
	"tradeloop/internal/traderrors"
)

// ApprovalOutputs is the approval stage contract.
type ApprovalOutputs struct {
	Required  bool   `json:"required"`
	Decision  string `json:"decision,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// Approval gates execution on a human decision when policy escalated. On the
// first pass it creates a PENDING approval and pauses the run; when the
// runner re-enters after a decision, it consumes it. A rejection fails the
// run with USER_REJECTED.
func Approval(ctx context.Context, d *Deps, rc *RunContext) (*Result, error) {
	var check PolicyCheckOutputs
	if err := outputsOf(ctx, d, rc.Run.RunID, StagePolicyCheck, &check); err != nil {
		return nil, err
	}

	if check.Decision != policy.RequiresApproval {
		outputs, _ := toOutputs(ApprovalOutputs{Required: false})
		return &Result{Outputs: outputs}, nil
	}

	latest, err := d.Store.LatestApproval(ctx, rc.Run.RunID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		a, err := d.Store.CreateApproval(ctx, rc.Run.RunID, rc.Run.TenantID)
		if err != nil {
			return nil, err
		}
		if _, err := d.Bus.Emit(ctx, rc.Run.RunID, rc.Run.TenantID, bus.EventApprovalRequired,
			map[string]any{"approval_id": a.ApprovalID, "reasons": check.Reasons}); err != nil {
			return nil, err
		}
		outputs, _ := toOutputs(ApprovalOutputs{Required: true})
		return &Result{Outputs: outputs, RequiresApproval: true}, nil
	}
	if latest.Status != "COMPLETED" {
		// Still pending; pause again until the decision arrives.
		outputs, _ := toOutputs(ApprovalOutputs{Required: true})
		return &Result{Outputs: outputs, RequiresApproval: true}, nil
	}

	if latest.Decision != "APPROVED" {
		return nil, traderrors.New(traderrors.CodeUserRejected,
			"the approval was rejected by "+latest.DecidedBy)
	}
	outputs, err := toOutputs(ApprovalOutputs{
		Required: true, Decision: latest.Decision, DecidedBy: latest.DecidedBy,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Outputs: outputs}, nil
}
