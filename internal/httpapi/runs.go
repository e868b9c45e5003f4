package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tradeloop/internal/bus"
	"tradeloop/internal/intent"
	"tradeloop/internal/nodes"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
)

func (s *Server) handleRunTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Intent         intent.TradeIntent `json:"intent"`
		ConversationID string             `json:"conversation_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "malformed JSON body", "")
		return
	}
	claims := claimsFrom(r.Context())
	if req.Intent.Mode == "" {
		req.Intent.Mode = state.ExecutionMode(s.cfg.ExecutionModeDefault)
	}
	run, err := s.createAndStartRun(r, claims, req.Intent, req.ConversationID, "")
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": run.RunID, "status": "EXECUTING", "execution_mode": run.ExecutionMode,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.ListRuns(r.Context(), claims.TenantID, limit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		views = append(views, runView(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

// handleGetRun is the full detail view: the run plus every related table.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := claimsFrom(ctx)
	run, err := s.store.GetRun(ctx, claims.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	nodeRows, err := s.store.ListNodes(ctx, run.RunID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	events, err := s.store.ListRunEvents(ctx, run.RunID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	approvals, err := s.store.ListApprovals(ctx, run.RunID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	orders, err := s.store.ListOrdersByRun(ctx, run.RunID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	snapshots, err := s.store.ListSnapshots(ctx, run.RunID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	evals, err := s.store.ListEvalResults(ctx, run.RunID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	artifacts, err := s.store.ListArtifacts(ctx, run.RunID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	detail := runView(run)
	detail["nodes"] = nodeViews(nodeRows)
	detail["policy_events"] = policyEventViews(events)
	detail["approvals"] = approvalViews(approvals)
	detail["orders"] = orderViews(orders)
	detail["fills"] = s.fillViews(ctx, orders)
	detail["snapshots"] = snapshotViews(snapshots)
	detail["evals"] = evalViews(evals)
	detail["artifacts"] = artifactViews(artifacts)
	writeJSON(w, http.StatusOK, detail)
}

// handleRunStatus is the minimal polling view.
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := claimsFrom(ctx)
	run, err := s.store.GetRun(ctx, claims.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	nodeRows, err := s.store.ListNodes(ctx, run.RunID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	stale, err := s.store.StaleSubmittedOrders(ctx, run.RunID, 60*time.Second)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	completed := 0
	current := ""
	for _, n := range nodeRows {
		if n.Status == state.NodeCompleted {
			completed++
		}
		current = n.Name
	}
	resp := map[string]any{
		"run_id":          run.RunID,
		"status":          run.Status,
		"execution_mode":  run.ExecutionMode,
		"current_step":    current,
		"total_steps":     len(nodes.Order(run.NewsEnabled)),
		"completed_steps": completed,
		"stale_order_ids": stale,
	}
	if run.FailureReason != "" {
		resp["last_error"] = map[string]any{
			"code": run.FailureCode, "message": run.FailureReason,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRunTrace returns the full audit trail: events, nodes and tool calls.
func (s *Server) handleRunTrace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := claimsFrom(ctx)
	run, err := s.store.GetRun(ctx, claims.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	events, err := s.store.ListRunEvents(ctx, run.RunID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	nodeRows, err := s.store.ListNodes(ctx, run.RunID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	toolCalls, err := s.store.ListToolCalls(ctx, run.RunID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	eventViews := make([]map[string]any, 0, len(events))
	for _, e := range events {
		eventViews = append(eventViews, map[string]any{
			"event_id": e.EventID, "event_type": e.EventType,
			"payload": rawOrNull(e.PayloadJSON), "ts": e.TS,
		})
	}
	callViews := make([]map[string]any, 0, len(toolCalls))
	for _, tc := range toolCalls {
		callViews = append(callViews, map[string]any{
			"tool_call_id": tc.ID, "tool": tc.ToolName, "status": tc.Status,
			"request": rawOrNull(tc.RequestJSON), "response": rawOrNull(tc.ResponseJSON),
			"error": tc.ErrorText, "ts": tc.TS,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":        runView(run),
		"events":     eventViews,
		"nodes":      nodeViews(nodeRows),
		"tool_calls": callViews,
	})
}

// handleApprovalDecision records the human decision and re-enters the paused
// run in the background.
func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := claimsFrom(ctx)
	var req struct {
		Decision  string `json:"decision"`
		DecidedBy string `json:"decided_by,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "malformed JSON body", "")
		return
	}
	decision := strings.ToUpper(req.Decision)
	if decision != "APPROVED" && decision != "REJECTED" {
		writeError(w, r, http.StatusUnprocessableEntity, "INVALID_DECISION",
			"decision must be APPROVED or REJECTED", "")
		return
	}
	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = claims.UserID
	}

	approvalID := chi.URLParam(r, "id")
	won, err := s.store.DecideApproval(ctx, claims.TenantID, approvalID, decision, decidedBy)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if !won {
		writeError(w, r, http.StatusConflict, "APPROVAL_ALREADY_DECIDED",
			"this approval has already been decided", "")
		return
	}
	approval, err := s.store.GetApproval(ctx, claims.TenantID, approvalID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if _, err := s.bus.Emit(ctx, approval.RunID, claims.TenantID, bus.EventApprovalDecision,
		map[string]any{"approval_id": approvalID, "decision": decision, "decided_by": decidedBy}); err != nil {
		writeFailure(w, r, err)
		return
	}

	s.runner.Start(approval.RunID)
	writeJSON(w, http.StatusOK, map[string]any{
		"approval_id": approvalID, "decision": decision, "run_id": approval.RunID, "status": "RESUMING",
	})
}

func runView(run *store.Run) map[string]any {
	view := map[string]any{
		"run_id":               run.RunID,
		"status":               run.Status,
		"execution_mode":       run.ExecutionMode,
		"asset_class":          run.AssetClass,
		"trace_id":             run.TraceID,
		"conversation_id":      run.ConversationID,
		"created_at":           run.CreatedAt,
		"started_at":           run.StartedAt,
		"completed_at":         run.CompletedAt,
		"command_text":         run.CommandText,
		"parsed_intent":        rawOrNull(run.ParsedIntentJSON),
		"execution_plan":       rawOrNull(run.ExecutionPlanJSON),
		"trade_proposal":       rawOrNull(run.TradeProposalJSON),
		"metadata":             rawOrNull(run.MetadataJSON),
		"news_enabled":         run.NewsEnabled,
		"tradability_verified": run.TradabilityVerified,
	}
	if run.SourceRunID != "" {
		view["source_run_id"] = run.SourceRunID
	}
	if run.LockedProductID != "" {
		view["locked_product_id"] = run.LockedProductID
	}
	if run.FailureCode != "" {
		view["failure"] = map[string]any{"code": run.FailureCode, "message": run.FailureReason}
	}
	return view
}

func nodeViews(rows []*store.DagNode) []map[string]any {
	views := make([]map[string]any, 0, len(rows))
	for _, n := range rows {
		views = append(views, map[string]any{
			"node_id": n.NodeID, "name": n.Name, "status": n.Status,
			"started_at": n.StartedAt, "completed_at": n.CompletedAt,
			"outputs": rawOrNull(n.OutputsJSON), "error": rawOrNull(n.ErrorJSON),
		})
	}
	return views
}

func policyEventViews(events []*store.RunEvent) []map[string]any {
	views := []map[string]any{}
	for _, e := range events {
		if e.EventType != bus.EventPolicyDecision {
			continue
		}
		views = append(views, map[string]any{
			"event_id": e.EventID, "payload": rawOrNull(e.PayloadJSON), "ts": e.TS,
		})
	}
	return views
}

func approvalViews(approvals []*store.Approval) []map[string]any {
	views := make([]map[string]any, 0, len(approvals))
	for _, a := range approvals {
		views = append(views, map[string]any{
			"approval_id": a.ApprovalID, "status": a.Status, "decision": a.Decision,
			"decided_by": a.DecidedBy, "decided_at": a.DecidedAt, "created_at": a.CreatedAt,
		})
	}
	return views
}

func orderViews(orders []*store.Order) []map[string]any {
	views := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		views = append(views, orderView(o))
	}
	return views
}

func orderView(o *store.Order) map[string]any {
	return map[string]any{
		"order_id": o.OrderID, "run_id": o.RunID, "provider": o.Provider,
		"symbol": o.Symbol, "side": o.Side, "order_type": o.OrderType,
		"notional_usd": o.NotionalUSD, "qty": o.Qty, "status": o.Status,
		"filled_qty": o.FilledQty, "avg_fill_price": o.AvgFillPrice,
		"total_fees": o.TotalFees, "status_reason": o.StatusReason,
		"status_updated_at": o.StatusUpdatedAt, "created_at": o.CreatedAt,
	}
}

func (s *Server) fillViews(ctx context.Context, orders []*store.Order) []map[string]any {
	views := []map[string]any{}
	for _, o := range orders {
		fills, err := s.store.ListFills(ctx, o.OrderID)
		if err != nil {
			continue
		}
		for _, f := range fills {
			views = append(views, map[string]any{
				"fill_id": f.FillID, "order_id": f.OrderID, "price": f.Price,
				"size": f.Size, "fee": f.Fee, "filled_at": f.FilledAt,
			})
		}
	}
	return views
}

func snapshotViews(snaps []*store.PortfolioSnapshot) []map[string]any {
	views := make([]map[string]any, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, map[string]any{
			"snapshot_id": snap.SnapshotID, "balances": rawOrNull(snap.BalancesJSON),
			"positions": rawOrNull(snap.PositionsJSON), "total_value_usd": snap.TotalValueUSD,
			"ts": snap.TS,
		})
	}
	return views
}

func evalViews(evals []*store.EvalResult) []map[string]any {
	views := make([]map[string]any, 0, len(evals))
	for _, e := range evals {
		views = append(views, map[string]any{
			"eval_name": e.EvalName, "score": e.Score, "reasons": rawOrNull(e.ReasonsJSON),
			"step_name": e.StepName, "category": e.EvalCategory, "ts": e.TS,
		})
	}
	return views
}

func artifactViews(artifacts []*store.RunArtifact) []map[string]any {
	views := make([]map[string]any, 0, len(artifacts))
	for _, a := range artifacts {
		views = append(views, map[string]any{
			"artifact_type": a.ArtifactType, "step_name": a.StepName,
			"artifact": rawOrNull(a.ArtifactJSON), "created_at": a.CreatedAt,
		})
	}
	return views
}

// rawOrNull embeds stored JSON verbatim; corrupt rows degrade to a string so
// list endpoints never fail on one bad row.
func rawOrNull(s string) any {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}
