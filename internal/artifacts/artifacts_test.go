package artifacts_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradeloop/internal/artifacts"
	"tradeloop/internal/ids"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
)

func openStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	store.ResetCanonicalPath()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "a.db"), ids.NewClock())
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		store.ResetCanonicalPath()
	})
	run := &store.Run{
		RunID: ids.New(ids.PrefixRun), TenantID: "t1", ExecutionMode: state.ModePaper,
		TraceID: "tr", AssetClass: state.AssetCrypto,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return s, run.RunID
}

func TestPutGetTradeReceipt(t *testing.T) {
	s, runID := openStore(t)
	ctx := context.Background()
	receipt := artifacts.TradeReceipt{
		Status:               "EXECUTED",
		Mode:                 "PAPER",
		Side:                 "BUY",
		Symbol:               "BTC-USD",
		RequestedNotionalUSD: 10,
		NotionalUSD:          10,
		CompletedAt:          time.Now().UTC(),
		Evidence:             []artifacts.EvidenceRef{{Type: "market_candles_batches", Step: "research"}},
		Venue:                artifacts.Venue{Name: "paper", ExecutionMode: "PAPER", OrderType: "MARKET"},
	}
	require.NoError(t, artifacts.Put(ctx, s, runID, "finalize", artifacts.TypeTradeReceipt, receipt))

	var got artifacts.TradeReceipt
	require.NoError(t, artifacts.Get(ctx, s, runID, artifacts.TypeTradeReceipt, &got))
	require.Equal(t, "EXECUTED", got.Status)
	require.Equal(t, "BTC-USD", got.Symbol)
	require.Len(t, got.Evidence, 1)
}

func TestGetMissingArtifactIsNotFound(t *testing.T) {
	s, runID := openStore(t)
	var receipt artifacts.TradeReceipt
	err := artifacts.Get(context.Background(), s, runID, artifacts.TypeTradeReceipt, &receipt)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestInvalidArtifactStillStored(t *testing.T) {
	// Schema validation is warn-only: a receipt missing required fields is
	// logged but persisted, so a failed run always leaves its receipt behind.
	s, runID := openStore(t)
	ctx := context.Background()
	require.NoError(t, artifacts.Put(ctx, s, runID, "finalize", artifacts.TypeTradeReceipt, map[string]any{"status": "FAILED"}))
	a, err := s.GetArtifact(ctx, runID, artifacts.TypeTradeReceipt)
	require.NoError(t, err)
	require.Contains(t, a.ArtifactJSON, "FAILED")
}
