package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"tradeloop/internal/confirm"
	"tradeloop/internal/ids"
	"tradeloop/internal/intent"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
)

type chatRequest struct {
	Text           string  `json:"text"`
	ConversationID string  `json:"conversation_id,omitempty"`
	ConfirmationID string  `json:"confirmation_id,omitempty"`
	BudgetUSD      float64 `json:"budget_usd,omitempty"`
	Mode           string  `json:"mode,omitempty"`
}

type chatResponse struct {
	RunID          *string  `json:"run_id"`
	ConfirmationID string   `json:"confirmation_id,omitempty"`
	Intent         string   `json:"intent"`
	Status         string   `json:"status,omitempty"`
	Content        string   `json:"content,omitempty"`
	Suggestions    []string `json:"suggestions,omitempty"`
	ExecutionMode  string   `json:"execution_mode,omitempty"`
}

// handleChatCommand is the conversational entrypoint. Greetings and
// out-of-scope text answer inline without a run; trade intents return a
// pending confirmation; CONFIRM with a confirmation_id goes through the gate.
func (s *Server) handleChatCommand(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "malformed JSON body", "")
		return
	}
	claims := claimsFrom(r.Context())

	if req.ConfirmationID != "" && strings.EqualFold(strings.TrimSpace(req.Text), "CONFIRM") {
		resp, err := s.gate.Confirm(r.Context(), claims.TenantID, req.ConfirmationID, req.Text)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, confirmEnvelope(resp))
		return
	}

	defaultMode := state.ExecutionMode(s.cfg.ExecutionModeDefault)
	parsed, err := intent.Parse(req.Text, defaultMode)
	if err != nil && req.BudgetUSD > 0 {
		parsed, err = intent.Parse(fmt.Sprintf("%s $%.2f", req.Text, req.BudgetUSD), defaultMode)
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COMMAND", err.Error(),
			"include a dollar amount, e.g. \"Buy $10 of BTC\"")
		return
	}

	switch parsed.Kind {
	case intent.KindGreeting, intent.KindCapabilities, intent.KindAnalyze, intent.KindOutOfScope:
		writeJSON(w, http.StatusOK, chatResponse{
			Intent:  string(parsed.Kind),
			Status:  "COMPLETED",
			Content: parsed.Content,
			Suggestions: []string{
				"Buy $10 of BTC",
				"Buy the most profitable crypto of the last 24h for $10",
			},
		})
		return
	}

	ti := *parsed.Intent
	if req.BudgetUSD > 0 {
		ti.NotionalUSD = req.BudgetUSD
	}
	if req.Mode != "" {
		mode := state.ExecutionMode(strings.ToUpper(req.Mode))
		if !state.ValidExecutionMode(mode) {
			writeError(w, r, http.StatusUnprocessableEntity, "INVALID_EXECUTION_MODE",
				fmt.Sprintf("unknown execution mode %q", req.Mode), "")
			return
		}
		ti.Mode = mode
	}

	c, err := s.gate.Create(r.Context(), confirm.CreateParams{
		TenantID:       claims.TenantID,
		UserID:         claims.UserID,
		ConversationID: req.ConversationID,
		Intent:         ti,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		ConfirmationID: c.ConfirmationID,
		Intent:         "TRADE_CONFIRMATION_PENDING",
		Content:        confirmationPrompt(ti, c),
		ExecutionMode:  string(c.Mode),
	})
}

type executeRequest struct {
	Command        string  `json:"command,omitempty"`
	Side           string  `json:"side,omitempty"`
	Symbol         string  `json:"symbol,omitempty"`
	NotionalUSD    float64 `json:"notional_usd,omitempty"`
	ExecutionMode  string  `json:"execution_mode,omitempty"`
	SourceRunID    string  `json:"source_run_id,omitempty"`
	ConversationID string  `json:"conversation_id,omitempty"`
	NewsEnabled    *bool   `json:"news_enabled,omitempty"`
}

// handleExecuteCommand is the structured path for programmatic clients: it
// skips the confirmation gate and starts a run directly. Replay runs come
// through here with execution_mode REPLAY and a source_run_id.
func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "malformed JSON body", "")
		return
	}
	claims := claimsFrom(r.Context())

	ti, err := s.intentFromExecute(req)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COMMAND", err.Error(), "")
		return
	}

	run, err := s.createAndStartRun(r, claims, *ti, req.ConversationID, req.Command)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":         run.RunID,
		"status":         "EXECUTING",
		"execution_mode": run.ExecutionMode,
		"trace_id":       run.TraceID,
	})
}

func (s *Server) intentFromExecute(req executeRequest) (*intent.TradeIntent, error) {
	defaultMode := state.ExecutionMode(s.cfg.ExecutionModeDefault)
	if req.Command != "" && req.Side == "" {
		parsed, err := intent.Parse(req.Command, defaultMode)
		if err != nil {
			return nil, err
		}
		if parsed.Intent == nil {
			return nil, fmt.Errorf("command %q is not executable", req.Command)
		}
		ti := *parsed.Intent
		applyExecuteOverrides(&ti, req)
		return &ti, nil
	}

	ti := intent.TradeIntent{
		Side:          strings.ToUpper(req.Side),
		Symbol:        req.Symbol,
		NotionalUSD:   req.NotionalUSD,
		AutoSelect:    req.Symbol == "",
		LookbackHours: 24,
		AssetClass:    state.AssetCrypto,
		Mode:          defaultMode,
		NewsEnabled:   true,
	}
	applyExecuteOverrides(&ti, req)
	if ti.Mode != state.ModeReplay && (ti.Side == "" || ti.NotionalUSD <= 0) {
		return nil, fmt.Errorf("side and notional_usd are required")
	}
	return &ti, nil
}

func applyExecuteOverrides(ti *intent.TradeIntent, req executeRequest) {
	if req.ExecutionMode != "" {
		ti.Mode = state.ExecutionMode(strings.ToUpper(req.ExecutionMode))
	}
	if req.SourceRunID != "" {
		ti.SourceRunID = req.SourceRunID
	}
	if req.NewsEnabled != nil {
		ti.NewsEnabled = *req.NewsEnabled
	}
}

// createAndStartRun enforces the mode and active-run guards, persists the run
// and starts the background worker. Shared by /commands/execute and
// /runs/trigger.
func (s *Server) createAndStartRun(r *http.Request, claims Claims, ti intent.TradeIntent, conversationID, commandText string) (*store.Run, error) {
	ctx := r.Context()
	if ti.Mode == state.ModeReplay {
		inherited, err := s.replayIntent(ctx, claims.TenantID, ti.SourceRunID)
		if err != nil {
			return nil, err
		}
		ti = *inherited
	}
	if !state.ValidExecutionMode(ti.Mode) {
		return nil, &confirm.Error{
			Code: "INVALID_EXECUTION_MODE", HTTPStatus: http.StatusUnprocessableEntity,
			Message: fmt.Sprintf("unknown execution mode %q", ti.Mode),
		}
	}
	if s.cfg.ForcePaperMode && ti.Mode == state.ModeLive {
		ti.Mode = state.ModePaper
	}
	if ti.Mode == state.ModeLive && !s.cfg.LiveAllowed() {
		return nil, &confirm.Error{
			Code: confirm.CodeLiveDisabled, HTTPStatus: http.StatusForbidden,
			Message:     "live trading is disabled on this deployment",
			Remediation: "set TRADING_DISABLE_LIVE=false and ENABLE_LIVE_TRADING=true",
		}
	}
	active, err := s.store.ActiveRunExists(ctx, claims.TenantID, conversationID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, &confirm.Error{
			Code: confirm.CodeRunAlreadyActive, HTTPStatus: http.StatusConflict,
			Message: "another run is already active", Remediation: "wait for it to finish",
		}
	}

	intentJSON, _ := json.Marshal(ti)
	run := &store.Run{
		RunID:            ids.New(ids.PrefixRun),
		TenantID:         claims.TenantID,
		ExecutionMode:    ti.Mode,
		SourceRunID:      ti.SourceRunID,
		TraceID:          ids.New("trace_"),
		ConversationID:   conversationID,
		CommandText:      commandText,
		ParsedIntentJSON: string(intentJSON),
		NewsEnabled:      ti.NewsEnabled,
		AssetClass:       ti.AssetClass,
	}
	if run.AssetClass == "" {
		run.AssetClass = state.AssetCrypto
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.runner.Start(run.RunID)
	return run, nil
}

// replayIntent inherits the source run's parsed intent so the replay proposes
// the same order. Only the mode and source binding differ.
func (s *Server) replayIntent(ctx context.Context, tenantID, sourceRunID string) (*intent.TradeIntent, error) {
	if sourceRunID == "" {
		return nil, &confirm.Error{
			Code: "SOURCE_RUN_REQUIRED", HTTPStatus: http.StatusUnprocessableEntity,
			Message: "REPLAY mode requires source_run_id",
		}
	}
	src, err := s.store.GetRun(ctx, tenantID, sourceRunID)
	if err != nil {
		return nil, err
	}
	ti := intent.TradeIntent{Mode: state.ModeReplay, SourceRunID: sourceRunID}
	if src.ParsedIntentJSON != "" {
		if err := json.Unmarshal([]byte(src.ParsedIntentJSON), &ti); err == nil {
			ti.Mode = state.ModeReplay
			ti.SourceRunID = sourceRunID
		}
	}
	ti.NewsEnabled = src.NewsEnabled
	return &ti, nil
}

func confirmationPrompt(ti intent.TradeIntent, c *store.Confirmation) string {
	what := ti.Symbol
	if ti.AutoSelect {
		what = "the top-performing asset"
	}
	return fmt.Sprintf("Ready to %s $%.2f of %s in %s mode. Reply CONFIRM with confirmation_id %s to proceed.",
		strings.ToLower(ti.Side), ti.NotionalUSD, what, c.Mode, c.ConfirmationID)
}

func confirmEnvelope(resp *confirm.ConfirmResponse) map[string]any {
	out := map[string]any{
		"confirmation_id": resp.ConfirmationID,
		"status":          resp.Status,
		"execution_mode":  resp.ExecutionMode,
	}
	if resp.RunID != "" {
		out["run_id"] = resp.RunID
	}
	if resp.AlreadyConfirmed {
		out["already_confirmed"] = true
	} else if resp.Status == state.ConfirmationConfirmed {
		out["status"] = "EXECUTING"
	}
	if len(resp.FinancialInsight) > 0 {
		out["financial_insight"] = resp.FinancialInsight
	}
	return out
}
