package nodes

import (
	"context"
	"encoding/json"
	"sort"

	"tradeloop/internal/logging"
)

type (
	// Ranking is one scored candidate.
	Ranking struct {
		Symbol    string  `json:"symbol"`
		Return    float64 `json:"return"`
		LastPrice float64 `json:"last_price"`
	}

	// SignalsOutputs is the signals stage contract.
	SignalsOutputs struct {
		Rankings  []Ranking `json:"rankings"`
		TopSymbol string    `json:"top_symbol"`
		TopReturn float64   `json:"top_return"`
		LastPrice float64   `json:"last_price"`
	}
)

// Signals ranks the research returns descending. A locked product or an
// explicit pre-selection overrides the top choice, injected with zero return
// when research never scored it. The ranking is frozen as run evidence and a
// second portfolio snapshot is taken before any decision.
func Signals(ctx context.Context, d *Deps, rc *RunContext) (*Result, error) {
	var research ResearchOutputs
	if err := outputsOf(ctx, d, rc.Run.RunID, StageResearch, &research); err != nil {
		return nil, err
	}

	rankings := make([]Ranking, 0, len(research.ReturnsBySymbol))
	for symbol, ret := range research.ReturnsBySymbol {
		rankings = append(rankings, Ranking{
			Symbol: symbol, Return: ret, LastPrice: research.LastPricesBySymbol[symbol],
		})
	}
	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].Return != rankings[j].Return {
			return rankings[i].Return > rankings[j].Return
		}
		return rankings[i].Symbol < rankings[j].Symbol
	})

	override := rc.Run.LockedProductID
	if override == "" && rc.Intent.Symbol != "" && !rc.Intent.AutoSelect {
		override = rc.Intent.Symbol
	}
	if override != "" {
		idx := -1
		for i, r := range rankings {
			if r.Symbol == override {
				idx = i
				break
			}
		}
		switch {
		case idx < 0:
			logging.Warn(ctx, "pre-selected symbol missing from research, injecting",
				"run_id", rc.Run.RunID, "symbol", override)
			rankings = append([]Ranking{{Symbol: override}}, rankings...)
		case idx > 0:
			r := rankings[idx]
			rankings = append(rankings[:idx], rankings[idx+1:]...)
			rankings = append([]Ranking{r}, rankings...)
		}
	}

	if len(rankings) == 0 {
		outputs, _ := toOutputs(SignalsOutputs{Rankings: []Ranking{}})
		return &Result{Outputs: outputs}, nil
	}

	rankingsJSON, _ := json.Marshal(rankings)
	if err := d.Store.PutRankings(ctx, rc.Run.RunID, string(rankingsJSON)); err != nil {
		return nil, err
	}
	if err := snapshotPortfolio(ctx, d, rc); err != nil {
		return nil, err
	}

	top := rankings[0]
	outputs, err := toOutputs(SignalsOutputs{
		Rankings: rankings, TopSymbol: top.Symbol, TopReturn: top.Return, LastPrice: top.LastPrice,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Outputs: outputs}, nil
}
