package evals_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradeloop/internal/artifacts"
	"tradeloop/internal/evals"
	"tradeloop/internal/ids"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
)

func setup(t *testing.T) (*store.Store, *store.Run) {
	t.Helper()
	store.ResetCanonicalPath()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "e.db"), ids.NewClock())
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		store.ResetCanonicalPath()
	})
	run := &store.Run{
		RunID: ids.New(ids.PrefixRun), TenantID: "t1", ExecutionMode: state.ModePaper,
		TraceID: "tr", AssetClass: state.AssetCrypto, CommandText: "buy $10 of BTC",
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return s, run
}

func TestEmitAllScoresCompletedRun(t *testing.T) {
	s, run := setup(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCandlesBatch(ctx, &store.CandlesBatch{
		RunID: run.RunID, Symbol: "BTC-USD", Window: "24h", CandlesJSON: "[]",
	}))
	qty, price, fees := 0.0002, 50000.0, 0.0
	require.NoError(t, s.InsertOrder(ctx, &store.Order{
		OrderID: ids.New(ids.PrefixOrder), RunID: run.RunID, TenantID: "t1",
		Provider: "paper", Symbol: "BTC-USD", Side: "BUY", OrderType: "MARKET",
		NotionalUSD: 10, Status: state.OrderFilled,
		FilledQty: &qty, AvgFillPrice: &price, TotalFees: &fees,
	}))
	require.NoError(t, artifacts.Put(ctx, s, run.RunID, "proposal", artifacts.TypeDecisionTable, artifacts.DecisionTable{
		AssetClass: "CRYPTO", Granularity: "1h",
		RankedCandidates: []artifacts.RankedCandidate{{Symbol: "BTC-USD", Return: 0.05, LastPrice: price}},
		FinalSelection:   artifacts.FinalSelection{Symbol: "BTC-USD"},
		CreatedAt:        time.Now().UTC(),
	}))
	require.NoError(t, artifacts.Put(ctx, s, run.RunID, "finalize", artifacts.TypeTradeReceipt, artifacts.TradeReceipt{
		Status: "EXECUTED", Mode: "PAPER", Side: "BUY", Symbol: "BTC-USD",
		RequestedNotionalUSD: 10, NotionalUSD: 10, CompletedAt: time.Now().UTC(),
		Evidence: []artifacts.EvidenceRef{{Type: "market_candles_batches", Step: "research"}},
		Venue:    artifacts.Venue{Name: "paper", ExecutionMode: "PAPER", OrderType: "MARKET"},
	}))

	evals.EmitAll(ctx, s, run)

	results, err := s.ListEvalResults(ctx, run.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	byName := make(map[string]*store.EvalResult)
	for _, r := range results {
		require.GreaterOrEqual(t, r.Score, 0.0)
		require.LessOrEqual(t, r.Score, 1.0)
		byName[r.EvalName] = r
	}
	require.Equal(t, 1.0, byName[evals.EvalExecutionQuality].Score)
	require.Equal(t, 1.0, byName[evals.EvalFaithfulness].Score)
	require.Equal(t, 1.0, byName[evals.EvalRetrievalRelevance].Score)
	require.Equal(t, 1.0, byName[evals.EvalResponseFormat].Score)
	require.Equal(t, 1.0, byName[evals.EvalInsightGroundedness].Score)
	// News was not enabled; coverage emitter must not fire.
	require.NotContains(t, byName, evals.EvalNewsCoverage)
	// Crypto run; the stock staleness emitter must not fire.
	require.NotContains(t, byName, evals.EvalStockWindowHonesty)
}

func TestFaithfulnessFlagsUnrankedSelection(t *testing.T) {
	s, run := setup(t)
	ctx := context.Background()
	require.NoError(t, artifacts.Put(ctx, s, run.RunID, "proposal", artifacts.TypeDecisionTable, artifacts.DecisionTable{
		AssetClass: "CRYPTO", Granularity: "1h",
		RankedCandidates: []artifacts.RankedCandidate{{Symbol: "ETH-USD"}},
		FinalSelection:   artifacts.FinalSelection{Symbol: "BTC-USD"},
		CreatedAt:        time.Now().UTC(),
	}))

	evals.EmitAll(ctx, s, run)

	results, err := s.ListEvalResults(ctx, run.RunID)
	require.NoError(t, err)
	for _, r := range results {
		if r.EvalName == evals.EvalFaithfulness {
			require.Zero(t, r.Score)
			return
		}
	}
	t.Fatal("faithfulness eval not emitted")
}

func TestNewsCoverageRequiresFrozenEvidence(t *testing.T) {
	s, run := setup(t)
	ctx := context.Background()
	run.NewsEnabled = true
	require.NoError(t, artifacts.Put(ctx, s, run.RunID, "news", artifacts.TypeNewsBrief,
		map[string]any{"symbol": "BTC-USD", "net_sentiment": 0.2}))
	require.NoError(t, s.InsertNewsEvidence(ctx, run.RunID, "BTC-USD", `{"title":"BTC rallies"}`))

	evals.EmitAll(ctx, s, run)

	results, err := s.ListEvalResults(ctx, run.RunID)
	require.NoError(t, err)
	for _, r := range results {
		if r.EvalName == evals.EvalNewsCoverage {
			require.Equal(t, 1.0, r.Score)
			return
		}
	}
	t.Fatal("news_coverage eval not emitted")
}
