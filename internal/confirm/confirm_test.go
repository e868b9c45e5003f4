package confirm_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/config"
	"tradeloop/internal/confirm"
	"tradeloop/internal/ids"
	"tradeloop/internal/intent"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
)

// recordingStarter stands in for the runner; confirmed runs are recorded
// instead of executed.
type recordingStarter struct {
	mu      sync.Mutex
	started []string
}

func (r *recordingStarter) Start(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, runID)
}

func (r *recordingStarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

func testConfig() config.Config {
	cfg := config.Config{
		TradingDisableLive:   true,
		ExecutionModeDefault: "PAPER",
		ConfirmationTTL:      5 * time.Minute,
	}
	return cfg
}

func newGate(t *testing.T, cfg config.Config) (*confirm.Gate, *store.Store, *recordingStarter) {
	t.Helper()
	store.ResetCanonicalPath()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "c.db"), ids.NewClock())
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		store.ResetCanonicalPath()
	})
	starter := &recordingStarter{}
	return confirm.New(s, cfg, starter, ids.NewClock()), s, starter
}

func createPending(t *testing.T, g *confirm.Gate, conversation string) *store.Confirmation {
	t.Helper()
	c, err := g.Create(context.Background(), confirm.CreateParams{
		TenantID:       "t1",
		UserID:         "u1",
		ConversationID: conversation,
		Intent: intent.TradeIntent{
			Side: "BUY", Symbol: "BTC-USD", NotionalUSD: 25,
			LookbackHours: 24, AssetClass: state.AssetCrypto, Mode: state.ModePaper,
		},
	})
	require.NoError(t, err)
	return c
}

func TestConfirmCreatesRunOnce(t *testing.T) {
	g, s, starter := newGate(t, testConfig())
	ctx := context.Background()
	c := createPending(t, g, "conv-1")

	resp, err := g.Confirm(ctx, "t1", c.ConfirmationID, "buy $25 of BTC")
	require.NoError(t, err)
	require.Equal(t, state.ConfirmationConfirmed, resp.Status)
	require.True(t, ids.HasPrefix(resp.RunID, ids.PrefixRun))
	require.False(t, resp.AlreadyConfirmed)
	require.Equal(t, 1, starter.count())

	run, err := s.GetRun(ctx, "t1", resp.RunID)
	require.NoError(t, err)
	require.Equal(t, state.ModePaper, run.ExecutionMode)
	require.Equal(t, "buy $25 of BTC", run.CommandText)
	require.Contains(t, run.MetadataJSON, c.ConfirmationID)

	// Second confirm is idempotent: same run, no second start.
	again, err := g.Confirm(ctx, "t1", c.ConfirmationID, "")
	require.NoError(t, err)
	require.True(t, again.AlreadyConfirmed)
	require.Equal(t, resp.RunID, again.RunID)
	require.Equal(t, 1, starter.count())
}

func TestConfirmRejectsMalformedID(t *testing.T) {
	g, _, _ := newGate(t, testConfig())
	_, err := g.Confirm(context.Background(), "t1", "run_deadbeef", "")
	var ce *confirm.Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, confirm.CodeInvalidConfirmationID, ce.Code)
	require.Equal(t, http.StatusBadRequest, ce.HTTPStatus)
}

func TestConfirmUnknownIDIsNotFound(t *testing.T) {
	g, _, _ := newGate(t, testConfig())
	_, err := g.Confirm(context.Background(), "t1", ids.New(ids.PrefixConfirmation), "")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfirmWrongTenantIsNotFound(t *testing.T) {
	g, _, _ := newGate(t, testConfig())
	c := createPending(t, g, "conv-1")
	_, err := g.Confirm(context.Background(), "t2", c.ConfirmationID, "")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfirmExpiresLazily(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmationTTL = -1 * time.Second
	g, s, starter := newGate(t, cfg)
	c := createPending(t, g, "conv-1")

	resp, err := g.Confirm(context.Background(), "t1", c.ConfirmationID, "")
	require.NoError(t, err)
	require.Equal(t, state.ConfirmationExpired, resp.Status)
	require.Empty(t, resp.RunID)
	require.Equal(t, 0, starter.count())

	got, err := s.GetConfirmation(context.Background(), "t1", c.ConfirmationID)
	require.NoError(t, err)
	require.Equal(t, state.ConfirmationExpired, got.Status)
}

func TestConfirmLiveDisabledLeavesPending(t *testing.T) {
	g, s, starter := newGate(t, testConfig())
	ctx := context.Background()
	c, err := g.Create(ctx, confirm.CreateParams{
		TenantID: "t1", UserID: "u1", ConversationID: "conv-live",
		Intent: intent.TradeIntent{
			Side: "BUY", Symbol: "BTC-USD", NotionalUSD: 10,
			AssetClass: state.AssetCrypto, Mode: state.ModeLive,
		},
	})
	require.NoError(t, err)

	_, err = g.Confirm(ctx, "t1", c.ConfirmationID, "")
	var ce *confirm.Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, confirm.CodeLiveDisabled, ce.Code)
	require.Equal(t, http.StatusForbidden, ce.HTTPStatus)
	require.Equal(t, 0, starter.count())

	// No side effects: still confirmable once live is enabled.
	got, err := s.GetConfirmation(ctx, "t1", c.ConfirmationID)
	require.NoError(t, err)
	require.Equal(t, state.ConfirmationPending, got.Status)
	require.Empty(t, got.RunID)
}

func TestConfirmBlockedByActiveRun(t *testing.T) {
	g, s, _ := newGate(t, testConfig())
	ctx := context.Background()
	c := createPending(t, g, "conv-busy")
	require.NoError(t, s.CreateRun(ctx, &store.Run{
		RunID: ids.New(ids.PrefixRun), TenantID: "t1", ExecutionMode: state.ModePaper,
		TraceID: "tr", ConversationID: "conv-busy", AssetClass: state.AssetCrypto,
	}))

	_, err := g.Confirm(ctx, "t1", c.ConfirmationID, "")
	var ce *confirm.Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, confirm.CodeRunAlreadyActive, ce.Code)
	require.Equal(t, http.StatusConflict, ce.HTTPStatus)

	got, err := s.GetConfirmation(ctx, "t1", c.ConfirmationID)
	require.NoError(t, err)
	require.Equal(t, state.ConfirmationPending, got.Status)
}

func TestCancelIsIdempotent(t *testing.T) {
	g, _, _ := newGate(t, testConfig())
	ctx := context.Background()
	c := createPending(t, g, "conv-1")

	resp, err := g.Cancel(ctx, "t1", c.ConfirmationID)
	require.NoError(t, err)
	require.Equal(t, state.ConfirmationCancelled, resp.Status)

	again, err := g.Cancel(ctx, "t1", c.ConfirmationID)
	require.NoError(t, err)
	require.Equal(t, state.ConfirmationCancelled, again.Status)
}

func TestCancelAfterConfirmReturnsRun(t *testing.T) {
	g, _, _ := newGate(t, testConfig())
	ctx := context.Background()
	c := createPending(t, g, "conv-1")
	confirmed, err := g.Confirm(ctx, "t1", c.ConfirmationID, "")
	require.NoError(t, err)

	resp, err := g.Cancel(ctx, "t1", c.ConfirmationID)
	require.NoError(t, err)
	require.Equal(t, state.ConfirmationConfirmed, resp.Status)
	require.True(t, resp.AlreadyConfirmed)
	require.Equal(t, confirmed.RunID, resp.RunID)
}

func TestStatusReportsExecution(t *testing.T) {
	g, s, _ := newGate(t, testConfig())
	ctx := context.Background()
	c := createPending(t, g, "conv-1")

	st, err := g.Status(ctx, "t1", c.ConfirmationID)
	require.NoError(t, err)
	require.Equal(t, state.ConfirmationPending, st.Status)
	require.False(t, st.Executed)

	confirmed, err := g.Confirm(ctx, "t1", c.ConfirmationID, "")
	require.NoError(t, err)

	qty := 0.0005
	price := 50000.0
	order := &store.Order{
		OrderID: ids.New(ids.PrefixOrder), RunID: confirmed.RunID, TenantID: "t1",
		Provider: "paper", Symbol: "BTC-USD", Side: "BUY", OrderType: "MARKET",
		NotionalUSD: 25, Status: state.OrderFilled, FilledQty: &qty, AvgFillPrice: &price,
	}
	require.NoError(t, s.InsertOrder(ctx, order))

	st, err = g.Status(ctx, "t1", c.ConfirmationID)
	require.NoError(t, err)
	require.Equal(t, state.ConfirmationConfirmed, st.Status)
	require.True(t, st.Executed)
	require.Equal(t, order.OrderID, st.OrderID)
	require.Equal(t, confirmed.RunID, st.RunID)
}

// TestConcurrentConfirmProperty drives N concurrent confirms of one
// confirmation. For any concurrency level exactly one caller wins: one run
// exists, one worker starts, and every idempotent response carries the
// winner's run id.
func TestConcurrentConfirmProperty(t *testing.T) {
	g, s, starter := newGate(t, testConfig())
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	iteration := 0
	properties.Property("exactly one run per confirmation", prop.ForAll(
		func(n int) bool {
			iteration++
			c := createPending(t, g, fmt.Sprintf("conv-prop-%d", iteration))
			startedBefore := starter.count()

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners []string
				runIDs  = map[string]bool{}
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					resp, err := g.Confirm(ctx, "t1", c.ConfirmationID, "")
					if err != nil {
						// Losers racing the winner's run creation may see
						// RUN_ALREADY_ACTIVE; nothing else is acceptable.
						var ce *confirm.Error
						if !(errors.As(err, &ce) && ce.Code == confirm.CodeRunAlreadyActive) {
							t.Errorf("unexpected confirm error: %v", err)
						}
						return
					}
					mu.Lock()
					defer mu.Unlock()
					runIDs[resp.RunID] = true
					if !resp.AlreadyConfirmed {
						winners = append(winners, resp.RunID)
					}
				}()
			}
			wg.Wait()

			if len(winners) != 1 {
				return false
			}
			if len(runIDs) != 1 || !runIDs[winners[0]] {
				return false
			}
			if starter.count()-startedBefore != 1 {
				return false
			}
			run, err := s.GetRun(ctx, "t1", winners[0])
			if err != nil {
				return false
			}
			// Finish the run so later iterations see no active run.
			if err := s.UpdateRunStatus(ctx, run.RunID, state.RunFailed); err != nil {
				return false
			}
			return true
		},
		gen.IntRange(2, 8),
	))

	properties.TestingRun(t)
}
