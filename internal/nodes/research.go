package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeloop/internal/artifacts"
	"tradeloop/internal/logging"
	"tradeloop/internal/market"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
	"tradeloop/internal/traderrors"
)

// stablecoins are excluded from the auto-selection universe; their return is
// pinned to ~0 and trading them answers no "most profitable" question.
var stablecoins = map[string]bool{
	"USDT-USD": true, "USDC-USD": true, "DAI-USD": true,
	"TUSD-USD": true, "BUSD-USD": true, "PYUSD-USD": true,
}

// ResearchOutputs is the research stage contract consumed downstream.
type ResearchOutputs struct {
	ReturnsBySymbol    map[string]float64 `json:"returns_by_symbol"`
	LastPricesBySymbol map[string]float64 `json:"last_prices_by_symbol"`
	DropReasons        map[string]string  `json:"drop_reasons"`
	Granularity        string             `json:"granularity"`
	APICallStats       map[string]int     `json:"api_call_stats"`
}

// Research builds the candidate universe, fetches candles over the lookback
// window, persists every batch as replay evidence, and computes per-symbol
// returns. REPLAY runs read the source run's batches and fetch nothing.
func Research(ctx context.Context, d *Deps, rc *RunContext) (*Result, error) {
	if rc.Run.ExecutionMode == state.ModeReplay {
		return researchFromSource(ctx, d, rc)
	}

	window := time.Duration(rc.Intent.LookbackHours) * time.Hour
	if window <= 0 {
		window = 24 * time.Hour
	}

	universe, err := resolveUniverse(ctx, d, rc)
	if err != nil {
		return nil, err
	}

	out := ResearchOutputs{
		ReturnsBySymbol:    map[string]float64{},
		LastPricesBySymbol: map[string]float64{},
		DropReasons:        map[string]string{},
		Granularity:        granularityLabel(rc.Run.AssetClass, window),
		APICallStats:       map[string]int{"candles": 0},
	}

	for _, symbol := range universe {
		out.APICallStats["candles"]++
		candles, err := d.Market.GetCandles(ctx, symbol, window)
		if err != nil {
			out.DropReasons[symbol] = err.Error()
			continue
		}
		raw, _ := json.Marshal(candles)
		params, _ := json.Marshal(map[string]any{"window": window.String()})
		if err := d.Store.InsertCandlesBatch(ctx, &store.CandlesBatch{
			RunID: rc.Run.RunID, Symbol: symbol, Window: window.String(),
			CandlesJSON: string(raw), QueryParamsJSON: string(params),
		}); err != nil {
			return nil, err
		}
		ret, ok := market.Return(candles)
		if !ok {
			out.DropReasons[symbol] = "empty candle series"
			continue
		}
		price, _ := market.LastPrice(candles)
		out.ReturnsBySymbol[symbol] = ret
		out.LastPricesBySymbol[symbol] = price
	}

	if len(out.ReturnsBySymbol) == 0 {
		if err := recordResearchFailure(ctx, d, rc, out.DropReasons); err != nil {
			logging.Warn(ctx, "research failure artifact write failed", "run_id", rc.Run.RunID)
		}
		return nil, traderrors.New(traderrors.CodeResearchFailed,
			fmt.Sprintf("every candidate was dropped (%d attempted)", len(universe)))
	}

	outputs, err := toOutputs(out)
	if err != nil {
		return nil, err
	}
	return &Result{Outputs: outputs}, nil
}

// researchFromSource rebuilds the research outputs strictly from the source
// run's stored candle batches.
func researchFromSource(ctx context.Context, d *Deps, rc *RunContext) (*Result, error) {
	batches, err := d.Store.ListCandlesBatches(ctx, rc.Run.SourceRunID, "")
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, traderrors.New(traderrors.CodeResearchFailed,
			"source run has no stored candle batches to replay")
	}
	// A stock source froze its universe; carry the snapshot over verbatim so
	// the replay's evidence matches the source's.
	if snap, err := d.Store.GetArtifact(ctx, rc.Run.SourceRunID, artifacts.TypeUniverseSnapshot); err == nil {
		if err := d.Store.PutArtifact(ctx, rc.Run.RunID, StageResearch, artifacts.TypeUniverseSnapshot, snap.ArtifactJSON); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	out := ResearchOutputs{
		ReturnsBySymbol:    map[string]float64{},
		LastPricesBySymbol: map[string]float64{},
		DropReasons:        map[string]string{},
		Granularity:        granularityLabel(rc.Run.AssetClass, 24*time.Hour),
		APICallStats:       map[string]int{"candles": 0},
	}
	for _, b := range batches {
		var candles []market.Candle
		if err := json.Unmarshal([]byte(b.CandlesJSON), &candles); err != nil {
			out.DropReasons[b.Symbol] = "unparsable stored batch"
			continue
		}
		// Re-freeze the evidence under the replaying run so it is itself
		// replayable.
		if err := d.Store.InsertCandlesBatch(ctx, &store.CandlesBatch{
			RunID: rc.Run.RunID, Symbol: b.Symbol, Window: b.Window,
			CandlesJSON: b.CandlesJSON, QueryParamsJSON: b.QueryParamsJSON,
		}); err != nil {
			return nil, err
		}
		ret, ok := market.Return(candles)
		if !ok {
			out.DropReasons[b.Symbol] = "empty candle series"
			continue
		}
		price, _ := market.LastPrice(candles)
		out.ReturnsBySymbol[b.Symbol] = ret
		out.LastPricesBySymbol[b.Symbol] = price
	}
	if len(out.ReturnsBySymbol) == 0 {
		return nil, traderrors.New(traderrors.CodeResearchFailed,
			"no usable candle batch on the source run")
	}
	outputs, err := toOutputs(out)
	if err != nil {
		return nil, err
	}
	return &Result{Outputs: outputs}, nil
}

// resolveUniverse picks the candidate symbols: an explicit single symbol, the
// intent's universe, or the dynamic catalog minus stablecoins.
func resolveUniverse(ctx context.Context, d *Deps, rc *RunContext) ([]string, error) {
	if rc.Intent.Symbol != "" && !rc.Intent.AutoSelect {
		return []string{rc.Intent.Symbol}, nil
	}
	candidates := rc.Intent.Universe
	if len(candidates) == 0 {
		products, err := d.Market.ListProducts(ctx)
		if err != nil {
			return nil, fmt.Errorf("product catalog fetch: %w", err)
		}
		candidates = products
	}
	universe := make([]string, 0, len(candidates))
	for _, symbol := range candidates {
		if stablecoins[strings.ToUpper(symbol)] {
			continue
		}
		universe = append(universe, symbol)
	}
	if rc.Run.AssetClass == state.AssetStock {
		if err := artifacts.Put(ctx, d.Store, rc.Run.RunID, StageResearch, artifacts.TypeUniverseSnapshot,
			artifacts.UniverseSnapshot{Symbols: universe, Granularity: "EOD", DataSource: "eod_feed"}); err != nil {
			return nil, err
		}
	}
	return universe, nil
}

func recordResearchFailure(ctx context.Context, d *Deps, rc *RunContext, drops map[string]string) error {
	byReason := map[string]int{}
	examples := map[string]string{}
	for symbol, reason := range drops {
		key := classifyDrop(reason)
		byReason[key]++
		if _, ok := examples[key]; !ok {
			examples[key] = symbol + ": " + reason
		}
	}
	failure := artifacts.ResearchFailure{
		ReasonCode:      traderrors.CodeResearchFailed,
		RootCauseGuess:  dominantReason(byReason),
		RecommendedFix:  "check the market data provider status and retry",
		DroppedByReason: byReason,
		TopExamples:     examples,
	}
	return artifacts.Put(ctx, d.Store, rc.Run.RunID, StageResearch, artifacts.TypeResearchFailure, failure)
}

func classifyDrop(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "rate limit"):
		return "rate_limited"
	case strings.Contains(lower, "circuit"):
		return "circuit_open"
	case strings.Contains(lower, "empty"):
		return "empty_series"
	default:
		return "fetch_error"
	}
}

func dominantReason(byReason map[string]int) string {
	best, n := "unknown", 0
	for reason, count := range byReason {
		if count > n {
			best, n = reason, count
		}
	}
	return best
}

func granularityLabel(class state.AssetClass, window time.Duration) string {
	if class == state.AssetStock {
		return "EOD"
	}
	if window <= 6*time.Hour {
		return "5m"
	}
	if window <= 48*time.Hour {
		return "1h"
	}
	return "6h"
}
