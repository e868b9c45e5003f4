package provider_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradeloop/internal/ids"
	"tradeloop/internal/market"
	"tradeloop/internal/provider"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	store.ResetCanonicalPath()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "p.db"), ids.NewClock())
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		store.ResetCanonicalPath()
	})
	return s
}

func createRun(t *testing.T, s *store.Store, mode state.ExecutionMode, sourceRunID string) *store.Run {
	t.Helper()
	run := &store.Run{
		RunID: ids.New(ids.PrefixRun), TenantID: "t1", ExecutionMode: mode,
		TraceID: "tr", AssetClass: state.AssetCrypto,
	}
	run.SourceRunID = sourceRunID
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestPaperPlaceOrderFillsDeterministically(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	run := createRun(t, s, state.ModePaper, "")
	fixture := market.NewFixtureSource(map[string]float64{"BTC-USD": 50000}, nil)
	paper := provider.NewPaper(s, fixture, ids.NewClock())

	orderID, err := paper.PlaceOrder(ctx, provider.PlaceRequest{
		RunID: run.RunID, TenantID: "t1", Symbol: "BTC-USD", Side: "BUY", NotionalUSD: 100,
	})
	require.NoError(t, err)

	order, err := s.GetOrder(ctx, "t1", orderID)
	require.NoError(t, err)
	require.Equal(t, state.OrderFilled, order.Status)
	require.NotNil(t, order.FilledQty)
	require.InDelta(t, 100.0/50000.0, *order.FilledQty, 1e-12)
	require.NotNil(t, order.AvgFillPrice)
	require.Equal(t, 50000.0, *order.AvgFillPrice)
	require.NotNil(t, order.TotalFees)
	require.Zero(t, *order.TotalFees)
	require.NotNil(t, order.StatusUpdatedAt)
	require.False(t, order.StatusUpdatedAt.IsZero())

	events, err := s.ListOrderEvents(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "SUBMITTED", events[0].EventType)
	require.Equal(t, "FILLED", events[1].EventType)
}

func TestPaperBalancesDebitAndCredit(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	run := createRun(t, s, state.ModePaper, "")
	fixture := market.NewFixtureSource(map[string]float64{"ETH-USD": 2000}, nil)
	paper := provider.NewPaper(s, fixture, ids.NewClock())
	require.NoError(t, s.AdjustPaperBalance(ctx, "t1", "USD", 1000))

	_, err := paper.PlaceOrder(ctx, provider.PlaceRequest{
		RunID: run.RunID, TenantID: "t1", Symbol: "ETH-USD", Side: "BUY", NotionalUSD: 100,
	})
	require.NoError(t, err)

	balances, err := s.ListPaperBalances(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 900.0, balances["USD"])
	require.InDelta(t, 0.05, balances["ETH"], 1e-12)

	snaps, err := s.ListSnapshots(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
}

func TestPaperSellCreditsUSD(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	run := createRun(t, s, state.ModePaper, "")
	fixture := market.NewFixtureSource(map[string]float64{"SOL-USD": 100}, nil)
	paper := provider.NewPaper(s, fixture, ids.NewClock())
	require.NoError(t, s.AdjustPaperBalance(ctx, "t1", "SOL", 10))

	qty := 2.0
	_, err := paper.PlaceOrder(ctx, provider.PlaceRequest{
		RunID: run.RunID, TenantID: "t1", Symbol: "SOL-USD", Side: "SELL", Qty: &qty, NotionalUSD: 200,
	})
	require.NoError(t, err)

	balances, err := s.ListPaperBalances(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 200.0, balances["USD"])
	require.Equal(t, 8.0, balances["SOL"])
}

func TestPaperRejectsInvalidSide(t *testing.T) {
	s := openStore(t)
	run := createRun(t, s, state.ModePaper, "")
	paper := provider.NewPaper(s, market.NewFixtureSource(nil, nil), ids.NewClock())
	_, err := paper.PlaceOrder(context.Background(), provider.PlaceRequest{
		RunID: run.RunID, TenantID: "t1", Symbol: "BTC-USD", Side: "HOLD", NotionalUSD: 10,
	})
	require.Error(t, err)
}

func TestReplayCopiesSourceOrder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	source := createRun(t, s, state.ModePaper, "")

	fixture := market.NewFixtureSource(map[string]float64{"BTC-USD": 50000}, nil)
	paper := provider.NewPaper(s, fixture, ids.NewClock())
	sourceOrderID, err := paper.PlaceOrder(ctx, provider.PlaceRequest{
		RunID: source.RunID, TenantID: "t1", Symbol: "BTC-USD", Side: "BUY", NotionalUSD: 100,
	})
	require.NoError(t, err)

	priceCallsBefore := fixture.Calls("price")
	candleCallsBefore := fixture.Calls("candles")

	replayRun := createRun(t, s, state.ModeReplay, source.RunID)
	replay := provider.NewReplay(s)
	copiedID, err := replay.PlaceOrder(ctx, provider.PlaceRequest{
		RunID: replayRun.RunID, TenantID: "t1", Symbol: "BTC-USD", Side: "BUY",
		NotionalUSD: 100, SourceRunID: source.RunID,
	})
	require.NoError(t, err)
	require.NotEqual(t, sourceOrderID, copiedID)

	copied, err := s.GetOrder(ctx, "t1", copiedID)
	require.NoError(t, err)
	original, err := s.GetOrder(ctx, "t1", sourceOrderID)
	require.NoError(t, err)
	require.Equal(t, original.Symbol, copied.Symbol)
	require.Equal(t, original.Status, copied.Status)
	require.Equal(t, *original.FilledQty, *copied.FilledQty)
	require.Equal(t, *original.AvgFillPrice, *copied.AvgFillPrice)
	require.Equal(t, replayRun.RunID, copied.RunID)

	events, err := s.ListOrderEvents(ctx, copiedID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// The fixture counters prove replay made no market-data calls.
	require.Equal(t, priceCallsBefore, fixture.Calls("price"))
	require.Equal(t, candleCallsBefore, fixture.Calls("candles"))
}

func TestReplayMissingSourceOrderFails(t *testing.T) {
	s := openStore(t)
	source := createRun(t, s, state.ModePaper, "")
	replayRun := createRun(t, s, state.ModeReplay, source.RunID)
	replay := provider.NewReplay(s)
	_, err := replay.PlaceOrder(context.Background(), provider.PlaceRequest{
		RunID: replayRun.RunID, TenantID: "t1", Symbol: "BTC-USD", Side: "BUY",
		NotionalUSD: 100, SourceRunID: source.RunID,
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

type fakeExchange struct {
	venueID   string
	states    []provider.VenueOrderState
	fills     []*store.Fill
	submitErr error
	calls     int
}

func (f *fakeExchange) SubmitMarketOrder(ctx context.Context, symbol, side string, notional float64, qty *float64) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.venueID, nil
}

func (f *fakeExchange) OrderStatus(ctx context.Context, venueOrderID string) (*provider.VenueOrderState, error) {
	st := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	f.calls++
	return &st, nil
}

func (f *fakeExchange) Fills(ctx context.Context, venueOrderID string) ([]*store.Fill, error) {
	return f.fills, nil
}

func (f *fakeExchange) Balances(ctx context.Context) (map[string]float64, error) {
	return map[string]float64{"USD": 500}, nil
}

func (f *fakeExchange) Positions(ctx context.Context) (map[string]float64, float64, error) {
	return map[string]float64{"BTC": 0.01}, 1000, nil
}

func TestLivePollsToFilled(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	run := createRun(t, s, state.ModeLive, "")
	qty, price, fees := 0.002, 50000.0, 0.25
	exchange := &fakeExchange{
		venueID: "venue-1",
		states: []provider.VenueOrderState{
			{Status: state.OrderOpen},
			{Status: state.OrderFilled, FilledQty: &qty, AvgFillPrice: &price, TotalFees: &fees},
		},
		fills: []*store.Fill{{Price: price, Size: qty, Fee: fees, FilledAt: time.Now().UTC()}},
	}
	live := provider.NewLive(s, exchange)

	orderID, err := live.PlaceOrder(ctx, provider.PlaceRequest{
		RunID: run.RunID, TenantID: "t1", Symbol: "BTC-USD", Side: "BUY", NotionalUSD: 100,
	})
	require.NoError(t, err)

	order, err := s.GetOrder(ctx, "t1", orderID)
	require.NoError(t, err)
	require.Equal(t, state.OrderFilled, order.Status)
	require.Equal(t, fees, *order.TotalFees)

	fills, err := s.ListFills(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, fills, 1)

	// Submit, status polls and the fill fetch are all audited.
	calls, err := s.ListToolCalls(ctx, run.RunID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(calls), 3)
	for _, tc := range calls {
		require.Equal(t, "OK", tc.Status)
	}
}

func TestLiveFailsClosedOnAuthError(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	run := createRun(t, s, state.ModeLive, "")
	exchange := &fakeExchange{submitErr: errors.New("401 unauthorized: invalid api key")}
	live := provider.NewLive(s, exchange)

	_, err := live.PlaceOrder(ctx, provider.PlaceRequest{
		RunID: run.RunID, TenantID: "t1", Symbol: "BTC-USD", Side: "BUY", NotionalUSD: 100,
	})
	require.ErrorIs(t, err, provider.ErrFailClosed)

	orders, err := s.ListOrdersByRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, state.OrderFailed, orders[0].Status)
}
