// Package nodes implements the DAG stages. Each node is a function over the
// run context: it reads prior stage outputs from the store, leaves its own
// evidence and artifacts behind, and returns the outputs the next stage needs.
// Nodes never mutate run status; that belongs to the runner.
package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tradeloop/internal/bus"
	"tradeloop/internal/config"
	"tradeloop/internal/ids"
	"tradeloop/internal/intent"
	"tradeloop/internal/market"
	"tradeloop/internal/policy"
	"tradeloop/internal/provider"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
)

// Stage names in execution order.
const (
	StageResearch    = "research"
	StageNews        = "news"
	StageSignals     = "signals"
	StageRisk        = "risk"
	StageProposal    = "proposal"
	StagePolicyCheck = "policy_check"
	StageApproval    = "approval"
	StageExecution   = "execution"
	StagePostTrade   = "post_trade"
	StageEval        = "eval"
)

type (
	// Deps bundles everything a node may touch.
	Deps struct {
		Store     *store.Store
		Bus       *bus.Bus
		Config    config.Config
		Market    market.DataSource
		Policy    *policy.Engine
		Providers map[state.ExecutionMode]provider.BrokerProvider
		Clock     ids.Clock
	}

	// RunContext is the per-node invocation context.
	RunContext struct {
		Run    *store.Run
		Intent intent.TradeIntent
		NodeID string
	}

	// Result carries a node's outputs. RequiresApproval short-circuits the
	// runner into PAUSED.
	Result struct {
		Outputs          map[string]any
		RequiresApproval bool
	}

	// Func is one stage implementation.
	Func func(ctx context.Context, d *Deps, rc *RunContext) (*Result, error)
)

// Registry maps stage names to implementations.
func Registry() map[string]Func {
	return map[string]Func{
		StageResearch:    Research,
		StageNews:        News,
		StageSignals:     Signals,
		StageRisk:        Risk,
		StageProposal:    Proposal,
		StagePolicyCheck: PolicyCheck,
		StageApproval:    Approval,
		StageExecution:   Execution,
		StagePostTrade:   PostTrade,
		StageEval:        Eval,
	}
}

// Order returns the stage list for a run; news is present iff enabled.
func Order(newsEnabled bool) []string {
	stages := []string{StageResearch}
	if newsEnabled {
		stages = append(stages, StageNews)
	}
	return append(stages, StageSignals, StageRisk, StageProposal, StagePolicyCheck,
		StageApproval, StageExecution, StagePostTrade, StageEval)
}

// Provider resolves the broker for the run's execution mode. ASSISTED_LIVE
// has no broker; the execution node writes a ticket instead.
func (d *Deps) Provider(mode state.ExecutionMode) (provider.BrokerProvider, error) {
	p, ok := d.Providers[mode]
	if !ok {
		return nil, fmt.Errorf("no provider for execution mode %s", mode)
	}
	return p, nil
}

// now reads the injected clock so artifact timestamps are deterministic under
// a test clock.
func (d *Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock.Now()
	}
	return time.Now().UTC()
}

// outputsOf decodes the outputs of an already completed stage on this run.
func outputsOf(ctx context.Context, d *Deps, runID, stage string, out any) error {
	node, err := d.Store.GetNodeByName(ctx, runID, stage)
	if err != nil {
		return err
	}
	if node == nil || node.Status != state.NodeCompleted {
		return fmt.Errorf("stage %s has not completed on run %s", stage, runID)
	}
	if node.OutputsJSON == "" {
		return fmt.Errorf("stage %s left no outputs on run %s", stage, runID)
	}
	return json.Unmarshal([]byte(node.OutputsJSON), out)
}

// toOutputs round-trips a typed value into the generic outputs map.
func toOutputs(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// snapshotPortfolio writes a portfolio snapshot through the run's provider.
func snapshotPortfolio(ctx context.Context, d *Deps, rc *RunContext) error {
	p, err := d.Provider(rc.Run.ExecutionMode)
	if err != nil {
		// ASSISTED_LIVE and other brokerless modes snapshot as empty.
		return d.Store.InsertSnapshot(ctx, &store.PortfolioSnapshot{
			RunID: rc.Run.RunID, TenantID: rc.Run.TenantID,
			BalancesJSON: "{}", PositionsJSON: "{}",
		})
	}
	balances, err := p.GetBalances(ctx, rc.Run.TenantID)
	if err != nil {
		return err
	}
	positions, err := p.GetPositions(ctx, rc.Run.TenantID)
	if err != nil {
		return err
	}
	balancesJSON, _ := json.Marshal(balances)
	positionsJSON, _ := json.Marshal(positions.Positions)
	return d.Store.InsertSnapshot(ctx, &store.PortfolioSnapshot{
		RunID: rc.Run.RunID, TenantID: rc.Run.TenantID,
		BalancesJSON: string(balancesJSON), PositionsJSON: string(positionsJSON),
		TotalValueUSD: positions.TotalValueUSD,
	})
}
