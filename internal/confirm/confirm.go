// Package confirm implements the confirmation gate: it converts "the system
// wants to trade X" into "the user approved X exactly once". The conditional
// PENDING to CONFIRMED update is the sole arbiter against double execution.
package confirm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"tradeloop/internal/config"
	"tradeloop/internal/ids"
	"tradeloop/internal/intent"
	"tradeloop/internal/logging"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
)

type (
	// RunStarter launches run execution in the background. Satisfied by
	// runner.Runner.
	RunStarter interface {
		Start(runID string)
	}

	// Gate drives the confirmation lifecycle.
	Gate struct {
		store  *store.Store
		cfg    config.Config
		runner RunStarter
		clock  ids.Clock
	}

	// CreateParams describes a proposal awaiting user confirmation.
	CreateParams struct {
		TenantID        string
		UserID          string
		ConversationID  string
		Intent          intent.TradeIntent
		InsightJSON     string
		LockedProductID string
	}

	// ConfirmResponse is the fully built response of a confirm call. It is
	// assembled before any background work starts.
	ConfirmResponse struct {
		ConfirmationID   string                   `json:"confirmation_id"`
		Status           state.ConfirmationStatus `json:"status"`
		RunID            string                   `json:"run_id,omitempty"`
		ExecutionMode    state.ExecutionMode      `json:"execution_mode"`
		AlreadyConfirmed bool                     `json:"already_confirmed,omitempty"`
		FinancialInsight json.RawMessage          `json:"financial_insight,omitempty"`
	}

	// StatusResponse is the authoritative recovery view for clients that
	// lost the confirm response.
	StatusResponse struct {
		Status      state.ConfirmationStatus `json:"status"`
		Executed    bool                     `json:"executed"`
		OrderID     string                   `json:"order_id,omitempty"`
		OrderStatus string                   `json:"order_status,omitempty"`
		RunID       string                   `json:"run_id,omitempty"`
	}

	// Error is a gate failure with the HTTP status the API should map it to.
	Error struct {
		Code        string
		Message     string
		Remediation string
		HTTPStatus  int
	}
)

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Gate error codes.
const (
	CodeInvalidConfirmationID = "INVALID_CONFIRMATION_ID"
	CodeLiveDisabled          = "LIVE_DISABLED"
	CodeRunAlreadyActive      = "RUN_ALREADY_ACTIVE"
)

// New builds a Gate.
func New(s *store.Store, cfg config.Config, runner RunStarter, clock ids.Clock) *Gate {
	return &Gate{store: s, cfg: cfg, runner: runner, clock: clock}
}

// Create persists a PENDING confirmation with the configured TTL and returns
// its id.
func (g *Gate) Create(ctx context.Context, p CreateParams) (*store.Confirmation, error) {
	proposalJSON, err := json.Marshal(p.Intent)
	if err != nil {
		return nil, err
	}
	now := g.clock.Now()
	c := &store.Confirmation{
		ConfirmationID:  ids.New(ids.PrefixConfirmation),
		TenantID:        p.TenantID,
		ConversationID:  p.ConversationID,
		UserID:          p.UserID,
		ProposalJSON:    string(proposalJSON),
		InsightJSON:     p.InsightJSON,
		Mode:            p.Intent.Mode,
		LockedProductID: p.LockedProductID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(g.cfg.ConfirmationTTL),
	}
	if c.Mode == "" {
		c.Mode = state.ExecutionMode(g.cfg.ExecutionModeDefault)
	}
	if g.cfg.ForcePaperMode {
		c.Mode = state.ModePaper
	}
	if err := g.store.CreatePendingConfirmation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Confirm executes the confirm flow. Exactly one caller per confirmation
// creates a run; everyone else gets the winner's run_id. The response is
// fully built before the background worker starts.
func (g *Gate) Confirm(ctx context.Context, tenantID, id, commandText string) (*ConfirmResponse, error) {
	if !ids.HasPrefix(id, ids.PrefixConfirmation) {
		return nil, &Error{
			Code: CodeInvalidConfirmationID, HTTPStatus: http.StatusBadRequest,
			Message: fmt.Sprintf("confirmation ids start with %q", ids.PrefixConfirmation),
		}
	}
	c, err := g.store.GetConfirmation(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if c.Status != state.ConfirmationPending {
		return &ConfirmResponse{
			ConfirmationID: c.ConfirmationID, Status: c.Status,
			RunID: c.RunID, ExecutionMode: c.Mode, AlreadyConfirmed: true,
		}, nil
	}

	if g.clock.Now().After(c.ExpiresAt) {
		if _, err := g.store.MarkConfirmationStatus(ctx, tenantID, id, state.ConfirmationExpired); err != nil {
			return nil, err
		}
		return &ConfirmResponse{
			ConfirmationID: c.ConfirmationID, Status: state.ConfirmationExpired, ExecutionMode: c.Mode,
		}, nil
	}

	// LIVE refusal leaves the confirmation PENDING and creates nothing.
	if c.Mode == state.ModeLive && !g.cfg.LiveAllowed() {
		return nil, &Error{
			Code: CodeLiveDisabled, HTTPStatus: http.StatusForbidden,
			Message:     "live trading is disabled on this deployment",
			Remediation: "set TRADING_DISABLE_LIVE=false and ENABLE_LIVE_TRADING=true, or confirm in PAPER mode",
		}
	}

	active, err := g.store.ActiveRunExists(ctx, tenantID, c.ConversationID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, &Error{
			Code: CodeRunAlreadyActive, HTTPStatus: http.StatusConflict,
			Message:     "another run is already active in this conversation",
			Remediation: "wait for the active run to finish",
		}
	}

	runID := ids.New(ids.PrefixRun)
	won, err := g.store.MarkConfirmed(ctx, tenantID, id, runID)
	if err != nil {
		return nil, err
	}
	if !won {
		// Another caller won the conditional update; return its run.
		winner, err := g.store.GetConfirmation(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		return &ConfirmResponse{
			ConfirmationID: winner.ConfirmationID, Status: winner.Status,
			RunID: winner.RunID, ExecutionMode: winner.Mode, AlreadyConfirmed: true,
		}, nil
	}

	run, err := g.buildRun(ctx, c, runID, commandText)
	if err != nil {
		return nil, err
	}

	// Two-phase: the response object is complete before the worker starts,
	// so a started execution can never pair with a failed response build.
	resp := &ConfirmResponse{
		ConfirmationID: c.ConfirmationID,
		Status:         state.ConfirmationConfirmed,
		RunID:          run.RunID,
		ExecutionMode:  run.ExecutionMode,
	}
	if c.InsightJSON != "" {
		resp.FinancialInsight = json.RawMessage(c.InsightJSON)
	}

	g.runner.Start(run.RunID)
	return resp, nil
}

// Cancel is idempotent; an already confirmed id returns its run instead.
func (g *Gate) Cancel(ctx context.Context, tenantID, id string) (*ConfirmResponse, error) {
	if !ids.HasPrefix(id, ids.PrefixConfirmation) {
		return nil, &Error{
			Code: CodeInvalidConfirmationID, HTTPStatus: http.StatusBadRequest,
			Message: fmt.Sprintf("confirmation ids start with %q", ids.PrefixConfirmation),
		}
	}
	c, err := g.store.GetConfirmation(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c.Status == state.ConfirmationConfirmed {
		return &ConfirmResponse{
			ConfirmationID: c.ConfirmationID, Status: c.Status,
			RunID: c.RunID, ExecutionMode: c.Mode, AlreadyConfirmed: true,
		}, nil
	}
	if c.Status == state.ConfirmationPending {
		if _, err := g.store.MarkConfirmationStatus(ctx, tenantID, id, state.ConfirmationCancelled); err != nil {
			return nil, err
		}
		c.Status = state.ConfirmationCancelled
	}
	return &ConfirmResponse{
		ConfirmationID: c.ConfirmationID, Status: c.Status, ExecutionMode: c.Mode,
	}, nil
}

// Status reports the authoritative execution state bound to a confirmation.
func (g *Gate) Status(ctx context.Context, tenantID, id string) (*StatusResponse, error) {
	c, err := g.store.GetConfirmation(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	resp := &StatusResponse{Status: c.Status, RunID: c.RunID}
	if c.Status == state.ConfirmationPending && g.clock.Now().After(c.ExpiresAt) {
		if _, err := g.store.MarkConfirmationStatus(ctx, tenantID, id, state.ConfirmationExpired); err != nil {
			return nil, err
		}
		resp.Status = state.ConfirmationExpired
	}
	if c.RunID == "" {
		return resp, nil
	}
	orders, err := g.store.ListOrdersByRun(ctx, c.RunID)
	if err != nil {
		return nil, err
	}
	if len(orders) > 0 {
		last := orders[len(orders)-1]
		resp.OrderID = last.OrderID
		resp.OrderStatus = string(last.Status)
		resp.Executed = last.Status == state.OrderFilled
	}
	return resp, nil
}

func (g *Gate) buildRun(ctx context.Context, c *store.Confirmation, runID, commandText string) (*store.Run, error) {
	var ti intent.TradeIntent
	if err := json.Unmarshal([]byte(c.ProposalJSON), &ti); err != nil {
		return nil, fmt.Errorf("unparsable confirmation proposal: %w", err)
	}
	ti.Mode = c.Mode

	metadata := map[string]any{
		"confirmation_id": c.ConfirmationID,
		"selection_basis": selectionBasis(ti),
	}
	if c.LockedProductID != "" {
		metadata["locked_product_id"] = c.LockedProductID
		metadata["selected_asset"] = c.LockedProductID
	}
	metadataJSON, _ := json.Marshal(metadata)
	intentJSON, _ := json.Marshal(ti)

	run := &store.Run{
		RunID:               runID,
		TenantID:            c.TenantID,
		ExecutionMode:       c.Mode,
		SourceRunID:         ti.SourceRunID,
		TraceID:             ids.New("trace_"),
		ConversationID:      c.ConversationID,
		CommandText:         commandText,
		ParsedIntentJSON:    string(intentJSON),
		MetadataJSON:        string(metadataJSON),
		LockedProductID:     c.LockedProductID,
		TradabilityVerified: c.LockedProductID != "",
		NewsEnabled:         ti.NewsEnabled,
		AssetClass:          ti.AssetClass,
	}
	if run.AssetClass == "" {
		run.AssetClass = state.AssetCrypto
	}
	if err := g.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	logging.Info(ctx, "run created from confirmation",
		"run_id", run.RunID, "confirmation_id", c.ConfirmationID, "mode", string(run.ExecutionMode))
	return run, nil
}

func selectionBasis(ti intent.TradeIntent) string {
	if ti.AutoSelect {
		return "auto_selected_top_return"
	}
	return "user_specified"
}
