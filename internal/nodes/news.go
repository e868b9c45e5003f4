package nodes

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"tradeloop/internal/artifacts"
	"tradeloop/internal/intent"
	"tradeloop/internal/news"
	"tradeloop/internal/state"
)

// NewsOutputs is the news stage contract.
type NewsOutputs struct {
	Symbol string    `json:"symbol"`
	Gate   news.Gate `json:"sentiment_gate"`
}

// News builds a brief for the leading candidate and computes the sentiment
// gate. REPLAY reconstructs the brief strictly from the source run's frozen
// evidence. Each headline used is frozen under this run so the run is itself
// replayable.
func News(ctx context.Context, d *Deps, rc *RunContext) (*Result, error) {
	var research ResearchOutputs
	if err := outputsOf(ctx, d, rc.Run.RunID, StageResearch, &research); err != nil {
		return nil, err
	}
	symbol := topSymbol(research.ReturnsBySymbol, rc.Run.LockedProductID, rc.Intent)
	if symbol == "" {
		// Nothing to gate; downstream stages see an open gate.
		outputs, _ := toOutputs(NewsOutputs{})
		return &Result{Outputs: outputs}, nil
	}

	var headlines []news.Headline
	if rc.Run.ExecutionMode == state.ModeReplay {
		items, err := d.Store.ListNewsEvidence(ctx, rc.Run.SourceRunID, symbol)
		if err != nil {
			return nil, err
		}
		for _, raw := range items {
			var h news.Headline
			if err := json.Unmarshal([]byte(raw), &h); err != nil {
				continue
			}
			headlines = append(headlines, h)
			if err := d.Store.InsertNewsEvidence(ctx, rc.Run.RunID, symbol, raw); err != nil {
				return nil, err
			}
		}
	} else {
		since := d.now().Add(-time.Duration(rc.Intent.LookbackHours) * time.Hour)
		items, err := d.Store.ListNewsItems(ctx, symbol, since)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			h := news.Classify(item.Title)
			h.Source = item.Source
			h.URL = item.URL
			headlines = append(headlines, h)
			raw, _ := json.Marshal(h)
			if err := d.Store.InsertNewsEvidence(ctx, rc.Run.RunID, symbol, string(raw)); err != nil {
				return nil, err
			}
		}
	}

	brief := news.BuildBrief(symbol, headlines)
	if err := artifacts.Put(ctx, d.Store, rc.Run.RunID, StageNews, artifacts.TypeNewsBrief, brief); err != nil {
		return nil, err
	}
	// The financial brief is the user-facing alias of the news brief. Both are
	// rebuilt from frozen evidence, so a replay reproduces them byte for byte.
	if err := artifacts.Put(ctx, d.Store, rc.Run.RunID, StageNews, artifacts.TypeFinancialBrief, brief); err != nil {
		return nil, err
	}
	outputs, err := toOutputs(NewsOutputs{Symbol: symbol, Gate: brief.Gate})
	if err != nil {
		return nil, err
	}
	return &Result{Outputs: outputs}, nil
}

// topSymbol picks the leading candidate: the locked product, an explicit
// pre-selection, or the best return. Ties break lexically so the choice is
// deterministic.
func topSymbol(returns map[string]float64, locked string, ti intent.TradeIntent) string {
	if locked != "" {
		return locked
	}
	if ti.Symbol != "" && !ti.AutoSelect {
		return ti.Symbol
	}
	symbols := make([]string, 0, len(returns))
	for s := range returns {
		symbols = append(symbols, s)
	}
	sort.Slice(symbols, func(i, j int) bool {
		if returns[symbols[i]] != returns[symbols[j]] {
			return returns[symbols[i]] > returns[symbols[j]]
		}
		return symbols[i] < symbols[j]
	})
	if len(symbols) == 0 {
		return ""
	}
	return symbols[0]
}
