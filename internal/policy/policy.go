// Package policy implements the deterministic pre-trade check. The engine is
// pure apart from one tenant kill-switch lookup; given the same proposal and
// limits it always returns the same decision and the same reason list, in the
// same order.
package policy

import (
	"context"
	"fmt"

	"tradeloop/internal/config"
	"tradeloop/internal/state"
)

type (
	// Decision is the outcome of a policy check.
	Decision string

	// Proposal is the trade under evaluation.
	Proposal struct {
		Symbol      string
		Side        string
		NotionalUSD float64

		// AutoSelected marks a symbol chosen by the system rather than
		// the user. Together with TradabilityVerified it exempts the
		// symbol from the static allowlist.
		AutoSelected        bool
		TradabilityVerified bool

		// CitationCount is the number of evidence references backing the
		// proposal. CommandRun opts the run out of the citation minimum.
		CitationCount int
		CommandRun    bool
	}

	// Result carries the decision plus every reason that contributed to it.
	Result struct {
		Decision Decision `json:"decision"`
		Reasons  []string `json:"reasons"`
	}

	// KillSwitchFunc looks up the per-tenant kill switch.
	KillSwitchFunc func(ctx context.Context, tenantID string) (bool, error)

	// Engine evaluates proposals against the configured limits.
	Engine struct {
		cfg        config.Config
		tenantKill KillSwitchFunc
	}
)

const (
	Allowed          Decision = "ALLOWED"
	Blocked          Decision = "BLOCKED"
	RequiresApproval Decision = "REQUIRES_APPROVAL"
)

// New builds an Engine. tenantKill is the only I/O the engine performs.
func New(cfg config.Config, tenantKill KillSwitchFunc) *Engine {
	return &Engine{cfg: cfg, tenantKill: tenantKill}
}

// Check evaluates the proposal. The check order is fixed: kill switches,
// allowlist, notional limit, per-run order limit, citation minimum, then the
// approval escalations. Every failed check appends a reason; any blocking
// reason yields BLOCKED, otherwise any escalation yields REQUIRES_APPROVAL.
func (e *Engine) Check(ctx context.Context, tenantID string, p Proposal, existingOrderCount int, mode state.ExecutionMode) (Result, error) {
	var blocked, escalate []string
	limits := e.cfg.Policy

	tenantOff, err := e.tenantKill(ctx, tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("tenant kill switch lookup: %w", err)
	}
	if tenantOff {
		blocked = append(blocked, "tenant kill switch is enabled")
	}
	if e.cfg.KillSwitchEnabled {
		blocked = append(blocked, "global kill switch is enabled")
	}

	// An auto-selected symbol whose tradability was verified at confirmation
	// time bypasses the static allowlist.
	if !(p.AutoSelected && p.TradabilityVerified) && !limits.Allowlisted(p.Symbol) {
		blocked = append(blocked, fmt.Sprintf("symbol %s is not in the allowlist", p.Symbol))
	}

	if p.NotionalUSD > limits.MaxNotionalPerOrderUSD {
		blocked = append(blocked, fmt.Sprintf("notional $%.2f exceeds per-order limit $%.2f", p.NotionalUSD, limits.MaxNotionalPerOrderUSD))
	}

	if existingOrderCount >= limits.MaxTradesPerRun {
		blocked = append(blocked, fmt.Sprintf("run already has %d order(s), limit is %d", existingOrderCount, limits.MaxTradesPerRun))
	}

	if !p.CommandRun && limits.MinCitationsRequired > 0 && p.CitationCount < limits.MinCitationsRequired {
		blocked = append(blocked, fmt.Sprintf("only %d citation(s), minimum is %d", p.CitationCount, limits.MinCitationsRequired))
	}

	if mode == state.ModeLive && !limits.LiveTradingAllowed {
		escalate = append(escalate, "LIVE mode requires live_trading_allowed")
	}

	if p.NotionalUSD >= 0.8*limits.MaxNotionalPerOrderUSD {
		escalate = append(escalate, fmt.Sprintf("notional $%.2f is at or above 80%% of the per-order limit", p.NotionalUSD))
	}

	switch {
	case len(blocked) > 0:
		return Result{Decision: Blocked, Reasons: append(blocked, escalate...)}, nil
	case len(escalate) > 0:
		return Result{Decision: RequiresApproval, Reasons: escalate}, nil
	default:
		return Result{Decision: Allowed, Reasons: []string{}}, nil
	}
}
