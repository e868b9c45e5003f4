// Package intent defines the TradeIntent contract consumed from the
// natural-language layer, plus a minimal keyword parser that covers the
// structured command path. Full NL parsing lives outside the core; the
// orchestrator only depends on the struct.
package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"tradeloop/internal/state"
)

// Kind classifies a parsed command.
type Kind string

const (
	KindGreeting     Kind = "GREETING"
	KindCapabilities Kind = "CAPABILITIES"
	KindOutOfScope   Kind = "OUT_OF_SCOPE"
	KindTrade        Kind = "TRADE"
	KindAnalyze      Kind = "ANALYZE"
	KindReplay       Kind = "REPLAY"
)

// TradeIntent is the structured form of a trade command.
type TradeIntent struct {
	Side          string              `json:"side"` // BUY | SELL
	Symbol        string              `json:"symbol,omitempty"`
	AutoSelect    bool                `json:"auto_select"`
	NotionalUSD   float64             `json:"notional_usd"`
	LookbackHours int                 `json:"lookback_hours"`
	AssetClass    state.AssetClass    `json:"asset_class"`
	Mode          state.ExecutionMode `json:"execution_mode"`
	Universe      []string            `json:"universe,omitempty"`
	NewsEnabled   bool                `json:"news_enabled"`
	SourceRunID   string              `json:"source_run_id,omitempty"`
}

// Parsed is the result of Parse: either a TradeIntent or a conversational
// response.
type Parsed struct {
	Kind    Kind
	Intent  *TradeIntent
	Content string
}

var (
	amountRe = regexp.MustCompile(`\$\s*([0-9]+(?:\.[0-9]+)?)`)
	symbolRe = regexp.MustCompile(`\b(BTC|ETH|SOL|DOGE|ADA|XRP|AVAX|LTC)\b`)
	replayRe = regexp.MustCompile(`\breplay\s+run\s+(run_[A-Za-z0-9]+)`)
)

// Parse maps a free-text command into a Parsed result. It recognizes
// greetings, capability questions, replay commands, and simple buy/sell
// phrasings; everything else is out of scope.
func Parse(text string, defaultMode state.ExecutionMode) (*Parsed, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty command")
	}
	lower := strings.ToLower(trimmed)

	switch {
	case isGreeting(lower):
		return &Parsed{Kind: KindGreeting, Content: "Hello! Tell me what to trade, e.g. \"Buy $10 of BTC\"."}, nil
	case strings.Contains(lower, "what can you do") || strings.Contains(lower, "capabilities") || strings.Contains(lower, "help"):
		return &Parsed{Kind: KindCapabilities, Content: "I can buy or sell crypto and stocks by notional amount, analyze your portfolio, and replay past runs."}, nil
	}

	if m := replayRe.FindStringSubmatch(lower); m != nil {
		return &Parsed{Kind: KindReplay, Intent: &TradeIntent{
			Mode:        state.ModeReplay,
			SourceRunID: m[1],
		}}, nil
	}

	if strings.Contains(lower, "analyze") && strings.Contains(lower, "portfolio") {
		return &Parsed{Kind: KindAnalyze, Content: "Portfolio analysis queued."}, nil
	}

	side := ""
	switch {
	case strings.Contains(lower, "buy"):
		side = "BUY"
	case strings.Contains(lower, "sell"):
		side = "SELL"
	default:
		return &Parsed{Kind: KindOutOfScope, Content: "I can only help with trading commands."}, nil
	}

	ti := &TradeIntent{
		Side:          side,
		AssetClass:    state.AssetCrypto,
		Mode:          defaultMode,
		LookbackHours: 24,
		NewsEnabled:   true,
	}
	if m := amountRe.FindStringSubmatch(trimmed); m != nil {
		ti.NotionalUSD, _ = strconv.ParseFloat(m[1], 64)
	}
	if ti.NotionalUSD <= 0 {
		return nil, fmt.Errorf("could not parse a dollar amount from %q", trimmed)
	}
	if m := symbolRe.FindStringSubmatch(strings.ToUpper(trimmed)); m != nil {
		ti.Symbol = m[1] + "-USD"
	} else {
		// "buy the most profitable crypto of last 24h".
		ti.AutoSelect = true
	}
	return &Parsed{Kind: KindTrade, Intent: ti}, nil
}

func isGreeting(lower string) bool {
	for _, g := range []string{"hello", "hi ", "hey", "good morning", "good evening"} {
		if lower == strings.TrimSpace(g) || strings.HasPrefix(lower, g) {
			return true
		}
	}
	return false
}
