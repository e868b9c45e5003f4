package bus_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tradeloop/internal/bus"
	"tradeloop/internal/ids"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
)

func setup(t *testing.T) (*store.Store, *bus.Bus, string) {
	t.Helper()
	store.ResetCanonicalPath()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "bus.db"), ids.NewClock())
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		store.ResetCanonicalPath()
	})
	run := &store.Run{
		RunID:         ids.New(ids.PrefixRun),
		TenantID:      "t1",
		ExecutionMode: state.ModePaper,
		TraceID:       "trace",
		AssetClass:    state.AssetCrypto,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return s, bus.New(s, nil), run.RunID
}

func TestEmitAppendsAndPublishes(t *testing.T) {
	s, b, runID := setup(t)
	ctx := context.Background()

	sub := b.Subscribe(runID)
	defer sub.Close()

	_, err := b.Emit(ctx, runID, "t1", bus.EventRunStarted, map[string]any{"status": "RUNNING"})
	require.NoError(t, err)

	event := <-sub.C
	require.Equal(t, bus.EventRunStarted, event.EventType)
	require.JSONEq(t, `{"status":"RUNNING"}`, event.PayloadJSON)

	stored, err := s.ListRunEvents(ctx, runID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, event.EventID, stored[0].EventID)
}

func TestSubscribersSeeUnionOfEvents(t *testing.T) {
	_, b, runID := setup(t)
	ctx := context.Background()

	sub1 := b.Subscribe(runID)
	sub2 := b.Subscribe(runID)
	defer sub1.Close()
	defer sub2.Close()

	types := []string{bus.EventRunCreated, bus.EventRunStarted, bus.EventRunCompleted}
	for _, typ := range types {
		_, err := b.Emit(ctx, runID, "t1", typ, nil)
		require.NoError(t, err)
	}
	for _, sub := range []*bus.Subscription{sub1, sub2} {
		for _, want := range types {
			event := <-sub.C
			require.Equal(t, want, event.EventType)
		}
	}
}

func TestCloseRemovesOnlyThatSubscriber(t *testing.T) {
	_, b, runID := setup(t)

	sub1 := b.Subscribe(runID)
	sub2 := b.Subscribe(runID)
	require.Equal(t, 2, b.SubscriberCount(runID))

	sub1.Close()
	require.Equal(t, 1, b.SubscriberCount(runID))

	sub2.Close()
	require.Equal(t, 0, b.SubscriberCount(runID))
}

func TestEmitNilPayloadIsEmptyObject(t *testing.T) {
	s, b, runID := setup(t)
	_, err := b.Emit(context.Background(), runID, "t1", bus.EventRunStatus, nil)
	require.NoError(t, err)
	events, err := s.ListRunEvents(context.Background(), runID)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, events[0].PayloadJSON)
}
