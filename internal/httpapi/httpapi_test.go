package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradeloop/internal/bus"
	"tradeloop/internal/config"
	"tradeloop/internal/confirm"
	"tradeloop/internal/httpapi"
	"tradeloop/internal/ids"
	"tradeloop/internal/intent"
	"tradeloop/internal/market"
	"tradeloop/internal/nodes"
	"tradeloop/internal/policy"
	"tradeloop/internal/provider"
	"tradeloop/internal/runner"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
)

type testServer struct {
	handler http.Handler
	store   *store.Store
	fixture *market.FixtureSource
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store.ResetCanonicalPath()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"), ids.NewClock())
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		store.ResetCanonicalPath()
	})

	cfg := config.Config{
		TradingDisableLive:   true,
		ExecutionModeDefault: "PAPER",
		ExecutionTimeout:     time.Minute,
		ConfirmationTTL:      5 * time.Minute,
		Policy: config.Policy{
			MaxNotionalPerOrderUSD: 100,
			MinOrderSizeUSD:        1,
			MaxTradesPerRun:        1,
			SymbolAllowlist:        []string{"BTC-USD", "ETH-USD", "SOL-USD"},
		},
	}
	fixture := market.NewFixtureSource(
		map[string]float64{"BTC-USD": 50000, "ETH-USD": 2000},
		map[string]float64{"BTC-USD": 0.08, "ETH-USD": 0.02},
	)
	b := bus.New(s, nil)
	deps := &nodes.Deps{
		Store:  s,
		Bus:    b,
		Config: cfg,
		Market: fixture,
		Policy: policy.New(cfg, s.TenantKillSwitch),
		Providers: map[state.ExecutionMode]provider.BrokerProvider{
			state.ModePaper:  provider.NewPaper(s, fixture, ids.NewClock()),
			state.ModeReplay: provider.NewReplay(s),
		},
		Clock: ids.NewClock(),
	}
	r := runner.New(deps, cfg.ExecutionTimeout)
	gate := confirm.New(s, cfg, r, ids.NewClock())
	server := httpapi.New(cfg, s, b, gate, r, nil)
	return &testServer{handler: server.Router(), store: s, fixture: fixture}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && json.Valid(rec.Body.Bytes()) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func (ts *testServer) waitTerminal(t *testing.T, runID string) *store.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := ts.store.GetRun(context.Background(), "", runID)
		require.NoError(t, err)
		if state.RunTerminal(run.Status) {
			return run
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal status", runID)
	return nil
}

func TestChatGreetingCreatesNoRun(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodPost, "/chat/command", map[string]any{"text": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, body["run_id"])
	require.Equal(t, "COMPLETED", body["status"])
	require.NotEmpty(t, body["content"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	runs, err := ts.store.ListRuns(context.Background(), "dev", 10)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestHappyPaperTradeFlow(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/chat/command", map[string]any{"text": "Buy $10 of BTC"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "TRADE_CONFIRMATION_PENDING", body["intent"])
	confirmationID, _ := body["confirmation_id"].(string)
	require.True(t, ids.HasPrefix(confirmationID, ids.PrefixConfirmation))

	rec, body = ts.do(t, http.MethodPost, "/confirmations/"+confirmationID+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "EXECUTING", body["status"])
	runID, _ := body["run_id"].(string)
	require.True(t, ids.HasPrefix(runID, ids.PrefixRun))

	run := ts.waitTerminal(t, runID)
	require.Equal(t, state.RunCompleted, run.Status)

	rec, body = ts.do(t, http.MethodGet, "/runs/status/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(state.RunCompleted), body["status"])
	require.EqualValues(t, body["total_steps"], body["completed_steps"])

	rec, body = ts.do(t, http.MethodGet, "/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	orders, _ := body["orders"].([]any)
	require.Len(t, orders, 1)
	order := orders[0].(map[string]any)
	require.Equal(t, "BTC-USD", order["symbol"])
	require.Equal(t, string(state.OrderFilled), order["status"])
	require.InDelta(t, 10.0/50000, order["filled_qty"].(float64), 1e-12)
	snapshots, _ := body["snapshots"].([]any)
	require.GreaterOrEqual(t, len(snapshots), 2)
	evals, _ := body["evals"].([]any)
	require.NotEmpty(t, evals)

	// Idempotent re-confirm returns the same run.
	rec, body = ts.do(t, http.MethodPost, "/confirmations/"+confirmationID+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["already_confirmed"])
	require.Equal(t, runID, body["run_id"])
}

func TestLiveConfirmBlockedCleanly(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodPost, "/chat/command",
		map[string]any{"text": "Buy $10 of BTC", "mode": "LIVE"})
	require.Equal(t, http.StatusOK, rec.Code)
	confirmationID := body["confirmation_id"].(string)

	rec, body = ts.do(t, http.MethodPost, "/confirmations/"+confirmationID+"/confirm", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	errObj := body["error"].(map[string]any)
	require.Equal(t, "LIVE_DISABLED", errObj["code"])
	require.NotEmpty(t, errObj["remediation"])
	require.Equal(t, body["request_id"], errObj["request_id"])

	// No side effects: confirmation still PENDING, no run created.
	got, err := ts.store.GetConfirmation(context.Background(), "dev", confirmationID)
	require.NoError(t, err)
	require.Equal(t, state.ConfirmationPending, got.Status)
	runs, err := ts.store.ListRuns(context.Background(), "dev", 10)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestConfirmUnknownIDIs404(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodPost,
		"/confirmations/"+ids.New(ids.PrefixConfirmation)+"/confirm", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NOT_FOUND", body["error"].(map[string]any)["code"])
}

func TestMalformedConfirmationIDIs400(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodPost, "/confirmations/run_nope/confirm", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_CONFIRMATION_ID", body["error"].(map[string]any)["code"])
}

func TestExecuteCommandReplayIsOffline(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/commands/execute", map[string]any{
		"side": "BUY", "symbol": "BTC-USD", "notional_usd": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	sourceID := body["run_id"].(string)
	source := ts.waitTerminal(t, sourceID)
	require.Equal(t, state.RunCompleted, source.Status)

	candleCalls := ts.fixture.Calls("candles")
	priceCalls := ts.fixture.Calls("price")

	rec, body = ts.do(t, http.MethodPost, "/commands/execute", map[string]any{
		"command": fmt.Sprintf("replay run %s", sourceID), "execution_mode": "REPLAY",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	replayID := body["run_id"].(string)
	replay := ts.waitTerminal(t, replayID)
	require.Equal(t, state.RunCompleted, replay.Status)

	require.Equal(t, candleCalls, ts.fixture.Calls("candles"))
	require.Equal(t, priceCalls, ts.fixture.Calls("price"))

	sourceOrders, err := ts.store.ListOrdersByRun(context.Background(), sourceID)
	require.NoError(t, err)
	replayOrders, err := ts.store.ListOrdersByRun(context.Background(), replayID)
	require.NoError(t, err)
	require.Len(t, replayOrders, 1)
	require.Equal(t, sourceOrders[0].Symbol, replayOrders[0].Symbol)
	require.Equal(t, sourceOrders[0].NotionalUSD, replayOrders[0].NotionalUSD)
}

func TestApprovalDecisionResumesRun(t *testing.T) {
	ts := newTestServer(t)

	// 85% of the per-order limit escalates to the approval gate.
	rec, body := ts.do(t, http.MethodPost, "/commands/execute", map[string]any{
		"side": "BUY", "symbol": "BTC-USD", "notional_usd": 85,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	runID := body["run_id"].(string)

	var approvalID string
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := ts.store.GetRun(context.Background(), "", runID)
		require.NoError(t, err)
		if run.Status == state.RunPaused {
			latest, err := ts.store.LatestApproval(context.Background(), runID)
			require.NoError(t, err)
			approvalID = latest.ApprovalID
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotEmpty(t, approvalID, "run never paused for approval")

	rec, body = ts.do(t, http.MethodPost, "/approvals/"+approvalID+"/decision",
		map[string]any{"decision": "APPROVED"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "RESUMING", body["status"])

	run := ts.waitTerminal(t, runID)
	require.Equal(t, state.RunCompleted, run.Status)

	// Second decision on the same approval conflicts.
	rec, body = ts.do(t, http.MethodPost, "/approvals/"+approvalID+"/decision",
		map[string]any{"decision": "REJECTED"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "APPROVAL_ALREADY_DECIDED", body["error"].(map[string]any)["code"])
}

func TestSSEStreamReplaysHistoryAndCloses(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/commands/execute", map[string]any{
		"side": "BUY", "symbol": "BTC-USD", "notional_usd": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	runID := body["run_id"].(string)
	ts.waitTerminal(t, runID)

	req := httptest.NewRequest(http.MethodGet, "/runs/"+runID+"/events", nil)
	sseRec := httptest.NewRecorder()
	ts.handler.ServeHTTP(sseRec, req)

	require.Equal(t, http.StatusOK, sseRec.Code)
	require.Equal(t, "text/event-stream", sseRec.Header().Get("Content-Type"))
	stream := sseRec.Body.String()
	require.Contains(t, stream, "event: "+bus.EventRunStarted)
	require.Contains(t, stream, "event: "+bus.EventRunCompleted)
	require.Contains(t, stream, "event: "+bus.EventRunComplete)
	// The synthetic close marker is last.
	require.Less(t, strings.Index(stream, "event: "+bus.EventRunCompleted),
		strings.Index(stream, "event: "+bus.EventRunComplete+"\n"))
}

func TestHealthReportsSchemaOK(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodGet, "/ops/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, true, body["database"])
	require.Equal(t, true, body["schema_ok"])
	require.NotEmpty(t, body["applied_migrations"])
	require.Empty(t, body["pending_migrations"])
	cfgView := body["config"].(map[string]any)
	require.Equal(t, true, cfgView["trading_disable_live"])
	require.Equal(t, false, cfgView["live_execution_allowed"])
}

func TestOutOfScopeCommandAnswersInline(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodPost, "/chat/command",
		map[string]any{"text": "what is the weather like"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, body["run_id"])
	require.Equal(t, string(intent.KindOutOfScope), body["intent"])

	runs, err := ts.store.ListRuns(context.Background(), "dev", 10)
	require.NoError(t, err)
	require.Empty(t, runs)
}
