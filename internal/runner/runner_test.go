package runner_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradeloop/internal/artifacts"
	"tradeloop/internal/bus"
	"tradeloop/internal/config"
	"tradeloop/internal/ids"
	"tradeloop/internal/intent"
	"tradeloop/internal/market"
	"tradeloop/internal/nodes"
	"tradeloop/internal/policy"
	"tradeloop/internal/provider"
	"tradeloop/internal/runner"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
	"tradeloop/internal/traderrors"
)

func testDeps(t *testing.T, fixture *market.FixtureSource) *nodes.Deps {
	t.Helper()
	store.ResetCanonicalPath()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "r.db"), ids.NewClock())
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		store.ResetCanonicalPath()
	})
	cfg := config.Config{
		Policy: config.Policy{
			MaxNotionalPerOrderUSD: 100,
			MinOrderSizeUSD:        1,
			MaxTradesPerRun:        1,
			SymbolAllowlist:        []string{"BTC-USD", "ETH-USD", "SOL-USD"},
		},
	}
	return &nodes.Deps{
		Store:  s,
		Bus:    bus.New(s, nil),
		Config: cfg,
		Market: fixture,
		Policy: policy.New(cfg, s.TenantKillSwitch),
		Providers: map[state.ExecutionMode]provider.BrokerProvider{
			state.ModePaper:  provider.NewPaper(s, fixture, ids.NewClock()),
			state.ModeReplay: provider.NewReplay(s),
		},
		Clock: ids.NewClock(),
	}
}

func createRun(t *testing.T, d *nodes.Deps, ti intent.TradeIntent) *store.Run {
	t.Helper()
	raw, err := json.Marshal(ti)
	require.NoError(t, err)
	run := &store.Run{
		RunID: ids.New(ids.PrefixRun), TenantID: "t1",
		ExecutionMode: ti.Mode, TraceID: "tr",
		AssetClass: state.AssetCrypto, NewsEnabled: ti.NewsEnabled,
		SourceRunID: ti.SourceRunID, ParsedIntentJSON: string(raw),
		CommandText: "buy crypto",
	}
	if run.ExecutionMode == "" {
		run.ExecutionMode = state.ModePaper
	}
	require.NoError(t, d.Store.CreateRun(context.Background(), run))
	return run
}

func eventTypes(t *testing.T, d *nodes.Deps, runID string) []string {
	t.Helper()
	events, err := d.Store.ListRunEvents(context.Background(), runID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	return types
}

func TestExecutePaperRunToCompletion(t *testing.T) {
	fixture := market.NewFixtureSource(
		map[string]float64{"BTC-USD": 50000, "ETH-USD": 2000},
		map[string]float64{"BTC-USD": 0.08, "ETH-USD": 0.02},
	)
	d := testDeps(t, fixture)
	ctx := context.Background()
	run := createRun(t, d, intent.TradeIntent{
		Side: "BUY", AutoSelect: true, NotionalUSD: 10, LookbackHours: 24, Mode: state.ModePaper,
	})

	r := runner.New(d, time.Minute)
	require.NoError(t, r.Execute(ctx, run.RunID))

	got, err := d.Store.GetRun(ctx, "", run.RunID)
	require.NoError(t, err)
	require.Equal(t, state.RunCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	orders, err := d.Store.ListOrdersByRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, "BTC-USD", orders[0].Symbol)
	require.Equal(t, state.OrderFilled, orders[0].Status)

	var receipt artifacts.TradeReceipt
	require.NoError(t, artifacts.Get(ctx, d.Store, run.RunID, artifacts.TypeTradeReceipt, &receipt))
	require.Equal(t, "EXECUTED", receipt.Status)
	require.Equal(t, "BTC-USD", receipt.Symbol)
	require.NotEmpty(t, receipt.Evidence)

	var plan artifacts.TradePlan
	require.NoError(t, artifacts.Get(ctx, d.Store, run.RunID, artifacts.TypeTradePlan, &plan))
	require.Equal(t, "momentum_top_return", plan.Strategy)
	require.Equal(t, "BTC-USD", plan.SelectedAsset)
	require.Equal(t, "24h", plan.Window.Label)
	require.Equal(t, string(state.ModePaper), plan.Constraints.Mode)
	require.False(t, plan.ComputedAt.IsZero())

	types := eventTypes(t, d, run.RunID)
	require.Contains(t, types, bus.EventPlanCreated)
	require.Contains(t, types, bus.EventRunStarted)
	require.Contains(t, types, bus.EventPolicyDecision)
	require.Contains(t, types, bus.EventRunCompleted)
	require.Equal(t, bus.EventRunCompleted, types[len(types)-1])

	// news_enabled=false leaves an explicit skip marker.
	var skipped map[string]any
	require.NoError(t, artifacts.Get(ctx, d.Store, run.RunID, artifacts.TypeNewsSkipped, &skipped))

	evals, err := d.Store.ListEvalResults(ctx, run.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, evals)
}

func TestExecutePausesAndResumesOnApproval(t *testing.T) {
	fixture := market.NewFixtureSource(
		map[string]float64{"BTC-USD": 50000},
		map[string]float64{"BTC-USD": 0.05},
	)
	d := testDeps(t, fixture)
	ctx := context.Background()
	// 85% of the per-order limit escalates to REQUIRES_APPROVAL.
	run := createRun(t, d, intent.TradeIntent{
		Side: "BUY", Symbol: "BTC-USD", NotionalUSD: 85, LookbackHours: 24, Mode: state.ModePaper,
	})

	r := runner.New(d, time.Minute)
	err := r.Execute(ctx, run.RunID)
	require.ErrorIs(t, err, runner.ErrPaused)

	got, err := d.Store.GetRun(ctx, "", run.RunID)
	require.NoError(t, err)
	require.Equal(t, state.RunPaused, got.Status)
	require.Contains(t, eventTypes(t, d, run.RunID), bus.EventApprovalRequested)

	latest, err := d.Store.LatestApproval(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, "PENDING", latest.Status)

	won, err := d.Store.DecideApproval(ctx, "t1", latest.ApprovalID, "APPROVED", "user_1")
	require.NoError(t, err)
	require.True(t, won)

	// Re-entry skips completed stages and consumes the decision.
	require.NoError(t, r.Execute(ctx, run.RunID))
	got, err = d.Store.GetRun(ctx, "", run.RunID)
	require.NoError(t, err)
	require.Equal(t, state.RunCompleted, got.Status)

	orders, err := d.Store.ListOrdersByRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	// Research ran exactly once across both entries.
	researchNodes := 0
	nodesList, err := d.Store.ListNodes(ctx, run.RunID)
	require.NoError(t, err)
	for _, n := range nodesList {
		if n.Name == nodes.StageResearch {
			researchNodes++
		}
	}
	require.Equal(t, 1, researchNodes)
}

func TestExecuteRejectedApprovalFailsUserRejected(t *testing.T) {
	fixture := market.NewFixtureSource(
		map[string]float64{"BTC-USD": 50000},
		map[string]float64{"BTC-USD": 0.05},
	)
	d := testDeps(t, fixture)
	ctx := context.Background()
	run := createRun(t, d, intent.TradeIntent{
		Side: "BUY", Symbol: "BTC-USD", NotionalUSD: 85, LookbackHours: 24, Mode: state.ModePaper,
	})

	r := runner.New(d, time.Minute)
	require.ErrorIs(t, r.Execute(ctx, run.RunID), runner.ErrPaused)

	latest, err := d.Store.LatestApproval(ctx, run.RunID)
	require.NoError(t, err)
	_, err = d.Store.DecideApproval(ctx, "t1", latest.ApprovalID, "REJECTED", "user_1")
	require.NoError(t, err)

	err = r.Execute(ctx, run.RunID)
	require.Error(t, err)
	require.Equal(t, traderrors.CodeUserRejected, traderrors.CodeOf(err))

	got, err := d.Store.GetRun(ctx, "", run.RunID)
	require.NoError(t, err)
	require.Equal(t, state.RunFailed, got.Status)
	require.Equal(t, traderrors.CodeUserRejected, got.FailureCode)

	var receipt artifacts.TradeReceipt
	require.NoError(t, artifacts.Get(ctx, d.Store, run.RunID, artifacts.TypeTradeReceipt, &receipt))
	require.Equal(t, "FAILED", receipt.Status)
	require.Equal(t, traderrors.CodeUserRejected, receipt.Error.Code)
}

func TestReplayRunIsDeterministicAndOffline(t *testing.T) {
	fixture := market.NewFixtureSource(
		map[string]float64{"BTC-USD": 50000, "ETH-USD": 2000},
		map[string]float64{"BTC-USD": 0.08, "ETH-USD": 0.02},
	)
	d := testDeps(t, fixture)
	ctx := context.Background()

	source := createRun(t, d, intent.TradeIntent{
		Side: "BUY", AutoSelect: true, NotionalUSD: 10, LookbackHours: 24, Mode: state.ModePaper,
	})
	r := runner.New(d, time.Minute)
	require.NoError(t, r.Execute(ctx, source.RunID))

	candleCalls := fixture.Calls("candles")
	priceCalls := fixture.Calls("price")
	productCalls := fixture.Calls("products")

	replay := createRun(t, d, intent.TradeIntent{
		Side: "BUY", AutoSelect: true, NotionalUSD: 10, LookbackHours: 24,
		Mode: state.ModeReplay, SourceRunID: source.RunID,
	})
	require.NoError(t, r.Execute(ctx, replay.RunID))

	// Zero external fetches during replay.
	require.Equal(t, candleCalls, fixture.Calls("candles"))
	require.Equal(t, priceCalls, fixture.Calls("price"))
	require.Equal(t, productCalls, fixture.Calls("products"))

	sourceOrders, err := d.Store.ListOrdersByRun(ctx, source.RunID)
	require.NoError(t, err)
	replayOrders, err := d.Store.ListOrdersByRun(ctx, replay.RunID)
	require.NoError(t, err)
	require.Len(t, replayOrders, 1)
	require.Equal(t, sourceOrders[0].Symbol, replayOrders[0].Symbol)
	require.Equal(t, *sourceOrders[0].FilledQty, *replayOrders[0].FilledQty)
	require.Equal(t, *sourceOrders[0].AvgFillPrice, *replayOrders[0].AvgFillPrice)
	require.NotEqual(t, sourceOrders[0].OrderID, replayOrders[0].OrderID)
}

func TestExecuteTimeoutMarksFailed(t *testing.T) {
	fixture := market.NewFixtureSource(
		map[string]float64{"BTC-USD": 50000},
		map[string]float64{"BTC-USD": 0.05},
	)
	d := testDeps(t, fixture)
	ctx := context.Background()
	run := createRun(t, d, intent.TradeIntent{
		Side: "BUY", Symbol: "BTC-USD", NotionalUSD: 10, LookbackHours: 24, Mode: state.ModePaper,
	})

	r := runner.New(d, time.Nanosecond)
	err := r.Execute(ctx, run.RunID)
	require.Error(t, err)
	require.Equal(t, traderrors.CodeExecutionTimeout, traderrors.CodeOf(err))

	got, err := d.Store.GetRun(ctx, "", run.RunID)
	require.NoError(t, err)
	require.Equal(t, state.RunFailed, got.Status)
	require.Equal(t, traderrors.CodeExecutionTimeout, got.FailureCode)

	var execErr artifacts.ExecutionError
	require.NoError(t, artifacts.Get(ctx, d.Store, run.RunID, artifacts.TypeExecutionError, &execErr))
	require.Equal(t, traderrors.CodeExecutionTimeout, execErr.Code)

	var receipt artifacts.TradeReceipt
	require.NoError(t, artifacts.Get(ctx, d.Store, run.RunID, artifacts.TypeTradeReceipt, &receipt))
	require.Equal(t, "FAILED", receipt.Status)
}

func TestWorkerPanicStillWritesReceipt(t *testing.T) {
	fixture := market.NewFixtureSource(
		map[string]float64{"BTC-USD": 50000},
		map[string]float64{"BTC-USD": 0.05},
	)
	d := testDeps(t, fixture)
	// A nil data source makes the research node panic inside the worker
	// goroutine, bypassing the normal failure path.
	d.Market = nil
	ctx := context.Background()
	run := createRun(t, d, intent.TradeIntent{
		Side: "BUY", Symbol: "BTC-USD", NotionalUSD: 10, LookbackHours: 24, Mode: state.ModePaper,
	})

	r := runner.New(d, time.Minute)
	r.Start(run.RunID)

	var got *store.Run
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		loaded, err := d.Store.GetRun(ctx, "", run.RunID)
		require.NoError(t, err)
		if loaded.Status == state.RunFailed {
			got = loaded
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotNil(t, got, "run never reached FAILED")
	require.Equal(t, "INTERNAL_ERROR", got.FailureCode)

	var receipt artifacts.TradeReceipt
	require.NoError(t, artifacts.Get(ctx, d.Store, run.RunID, artifacts.TypeTradeReceipt, &receipt))
	require.Equal(t, "FAILED", receipt.Status)
	require.Equal(t, "INTERNAL_ERROR", receipt.Error.Code)

	types := eventTypes(t, d, run.RunID)
	require.Contains(t, types, bus.EventRunFailed)
	require.Equal(t, bus.EventRunFailed, types[len(types)-1])
}

func TestReplayReproducesFinancialBrief(t *testing.T) {
	fixture := market.NewFixtureSource(
		map[string]float64{"BTC-USD": 50000},
		map[string]float64{"BTC-USD": 0.05},
	)
	d := testDeps(t, fixture)
	ctx := context.Background()
	require.NoError(t, d.Store.InsertNewsItem(ctx, &store.NewsItem{
		Symbol: "BTC-USD", Title: "BTC rallies on ETF inflows", PublishedAt: time.Now().UTC(),
	}))

	source := createRun(t, d, intent.TradeIntent{
		Side: "BUY", Symbol: "BTC-USD", NotionalUSD: 10, LookbackHours: 24,
		Mode: state.ModePaper, NewsEnabled: true,
	})
	r := runner.New(d, time.Minute)
	require.NoError(t, r.Execute(ctx, source.RunID))

	var src map[string]any
	require.NoError(t, artifacts.Get(ctx, d.Store, source.RunID, artifacts.TypeFinancialBrief, &src))

	replay := createRun(t, d, intent.TradeIntent{
		Side: "BUY", Symbol: "BTC-USD", NotionalUSD: 10, LookbackHours: 24,
		Mode: state.ModeReplay, SourceRunID: source.RunID, NewsEnabled: true,
	})
	require.NoError(t, r.Execute(ctx, replay.RunID))

	var rep map[string]any
	require.NoError(t, artifacts.Get(ctx, d.Store, replay.RunID, artifacts.TypeFinancialBrief, &rep))
	require.Equal(t, src, rep)
}

func TestExecuteOnTerminalRunIsNoOp(t *testing.T) {
	fixture := market.NewFixtureSource(
		map[string]float64{"BTC-USD": 50000},
		map[string]float64{"BTC-USD": 0.05},
	)
	d := testDeps(t, fixture)
	ctx := context.Background()
	run := createRun(t, d, intent.TradeIntent{
		Side: "BUY", Symbol: "BTC-USD", NotionalUSD: 10, LookbackHours: 24, Mode: state.ModePaper,
	})
	r := runner.New(d, time.Minute)
	require.NoError(t, r.Execute(ctx, run.RunID))

	before, err := d.Store.ListRunEvents(ctx, run.RunID)
	require.NoError(t, err)
	require.NoError(t, r.Execute(ctx, run.RunID))
	after, err := d.Store.ListRunEvents(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
}
