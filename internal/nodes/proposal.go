package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tradeloop/internal/artifacts"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
)

type (
	// ProposedOrder is one order the run intends to place.
	ProposedOrder struct {
		Symbol      string  `json:"symbol"`
		Side        string  `json:"side"`
		NotionalUSD float64 `json:"notional_usd"`
		OrderType   string  `json:"order_type"`
	}

	// ProposalOutputs is the proposal stage contract. Blocked proposals carry
	// no orders and zero confidence.
	ProposalOutputs struct {
		Orders        []ProposedOrder     `json:"orders"`
		Blocked       bool                `json:"blocked"`
		Rationale     string              `json:"rationale"`
		Confidence    float64             `json:"confidence"`
		ExecutionMode state.ExecutionMode `json:"execution_mode"`
	}
)

const stockStalenessNote = "EOD data: prices may be up to 1 business day old"

// Proposal turns the ranked signal into a concrete order, or a blocked
// proposal when the news gate fires on a BUY. Both outcomes persist
// decision_record and decision_table artifacts and the run's proposal JSON.
func Proposal(ctx context.Context, d *Deps, rc *RunContext) (*Result, error) {
	var signals SignalsOutputs
	if err := outputsOf(ctx, d, rc.Run.RunID, StageSignals, &signals); err != nil {
		return nil, err
	}
	var research ResearchOutputs
	if err := outputsOf(ctx, d, rc.Run.RunID, StageResearch, &research); err != nil {
		return nil, err
	}

	gate, err := newsGate(ctx, d, rc)
	if err != nil {
		return nil, err
	}

	out := ProposalOutputs{ExecutionMode: rc.Run.ExecutionMode, Confidence: 0.8}
	side := rc.Intent.Side
	if side == "" {
		side = "BUY"
	}

	// Bearish news blocks BUYs only; it actively supports a SELL.
	if gate != nil && gate.Gated && side == "BUY" {
		out.Blocked = true
		out.Confidence = 0
		out.Rationale = "news sentiment gate fired: " + gate.Reason
		if gate.Critical {
			out.Rationale = "critical news blocker: " + gate.Reason
		}
	} else {
		out.Orders = []ProposedOrder{{
			Symbol:      signals.TopSymbol,
			Side:        side,
			NotionalUSD: rc.Intent.NotionalUSD,
			OrderType:   "MARKET",
		}}
		out.Rationale = fmt.Sprintf("%s %s: top-ranked with %.2f%% return over the lookback window",
			side, signals.TopSymbol, signals.TopReturn*100)
		// Stocks execute assisted: the ticket is produced, submission is
		// left to the user.
		if rc.Run.AssetClass == state.AssetStock && rc.Run.ExecutionMode == state.ModeLive {
			out.ExecutionMode = state.ModeAssistedLive
		}
	}

	if err := persistDecision(ctx, d, rc, &out, signals, research); err != nil {
		return nil, err
	}
	proposalJSON, _ := json.Marshal(out)
	if err := d.Store.SetRunProposal(ctx, rc.Run.RunID, string(proposalJSON)); err != nil {
		return nil, err
	}

	outputs, err := toOutputs(out)
	if err != nil {
		return nil, err
	}
	return &Result{Outputs: outputs}, nil
}

// newsGate loads the news stage gate when the stage ran; nil otherwise.
func newsGate(ctx context.Context, d *Deps, rc *RunContext) (*gateView, error) {
	var newsOut NewsOutputs
	err := outputsOf(ctx, d, rc.Run.RunID, StageNews, &newsOut)
	if err != nil {
		if node, nerr := d.Store.GetNodeByName(ctx, rc.Run.RunID, StageNews); nerr == nil && node == nil {
			return nil, nil // news skipped
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &gateView{
		Gated:    newsOut.Gate.Gated,
		Critical: newsOut.Gate.Critical,
		Reason:   newsOut.Gate.Reason,
	}, nil
}

type gateView struct {
	Gated    bool
	Critical bool
	Reason   string
}

func persistDecision(ctx context.Context, d *Deps, rc *RunContext, out *ProposalOutputs, signals SignalsOutputs, research ResearchOutputs) error {
	now := d.now()

	strategy := "user_directed"
	if rc.Intent.AutoSelect {
		strategy = "momentum_top_return"
	}
	lookback := rc.Intent.LookbackHours
	if lookback <= 0 {
		lookback = 24
	}
	plan := artifacts.TradePlan{
		Strategy:      strategy,
		Metric:        "return_over_lookback",
		Window:        artifacts.PlanWindow{Label: fmt.Sprintf("%dh", lookback), Hours: lookback},
		SelectedAsset: signals.TopSymbol,
		Rationale:     out.Rationale,
		Constraints: artifacts.Constraints{
			Mode:        string(out.ExecutionMode),
			TimeInForce: "IOC",
		},
		ComputedAt: now,
	}
	if err := artifacts.Put(ctx, d.Store, rc.Run.RunID, StageProposal, artifacts.TypeTradePlan, plan); err != nil {
		return err
	}

	candidates := make([]artifacts.RankedCandidate, 0, len(signals.Rankings))
	for _, r := range signals.Rankings {
		candidates = append(candidates, artifacts.RankedCandidate{
			Symbol: r.Symbol, Return: r.Return, LastPrice: r.LastPrice,
		})
	}
	table := artifacts.DecisionTable{
		AssetClass:       string(rc.Run.AssetClass),
		Granularity:      research.Granularity,
		RankedCandidates: candidates,
		DroppedSymbols:   research.DropReasons,
		FinalSelection:   artifacts.FinalSelection{Blocked: out.Blocked},
		CreatedAt:        now,
	}
	if out.Blocked {
		table.FinalSelection.Reason = out.Rationale
	} else {
		table.FinalSelection.Symbol = signals.TopSymbol
	}
	if rc.Run.AssetClass == state.AssetStock {
		table.StalenessNote = stockStalenessNote
		table.Granularity = "EOD"
	}
	if err := artifacts.Put(ctx, d.Store, rc.Run.RunID, StageProposal, artifacts.TypeDecisionTable, table); err != nil {
		return err
	}

	record := map[string]any{
		"orders":     out.Orders,
		"blocked":    out.Blocked,
		"rationale":  out.Rationale,
		"confidence": out.Confidence,
		"created_at": now,
	}
	return artifacts.Put(ctx, d.Store, rc.Run.RunID, StageProposal, artifacts.TypeDecisionRecord, record)
}
