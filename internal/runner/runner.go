// Package runner drives a run from CREATED to a terminal status: it executes
// the stage list in order, enforces the global deadline, supports re-entry
// after an approval pause or a process restart, and always leaves a terminal
// trade_receipt behind.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradeloop/internal/artifacts"
	"tradeloop/internal/bus"
	"tradeloop/internal/intent"
	"tradeloop/internal/logging"
	"tradeloop/internal/nodes"
	"tradeloop/internal/notify"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
	"tradeloop/internal/telemetry"
	"tradeloop/internal/traderrors"
)

// Runner executes runs over the shared store.
type Runner struct {
	deps     *nodes.Deps
	timeout  time.Duration
	notifier notify.Notifier
}

// New builds a Runner. timeout bounds one whole run.
func New(deps *nodes.Deps, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Runner{deps: deps, timeout: timeout, notifier: notify.Noop{}}
}

// SetNotifier installs the failure notification channel.
func (r *Runner) SetNotifier(n notify.Notifier) {
	if n != nil {
		r.notifier = n
	}
}

// ErrPaused is returned when the run suspended awaiting an approval decision.
var ErrPaused = errors.New("run paused awaiting approval")

// Execute drives the run to PAUSED or a terminal status. Safe to call again
// on a PAUSED run; completed stages are skipped.
func (r *Runner) Execute(ctx context.Context, runID string) error {
	run, err := r.deps.Store.GetRun(ctx, "", runID)
	if err != nil {
		return err
	}
	if state.RunTerminal(run.Status) {
		return nil
	}

	var ti intent.TradeIntent
	if run.ParsedIntentJSON != "" {
		if err := json.Unmarshal([]byte(run.ParsedIntentJSON), &ti); err != nil {
			return r.fail(ctx, run, nil, fmt.Errorf("unparsable intent: %w", err))
		}
	}
	ctx = logging.WithRun(ctx, run.RunID, run.TraceID, run.TenantID)

	resuming := run.Status == state.RunPaused
	if err := r.initialize(ctx, run, &ti, resuming); err != nil {
		return err
	}
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stages := nodes.Order(run.NewsEnabled)
	registry := nodes.Registry()
	completed := 0
	for i, stage := range stages {
		if ctx.Err() != nil {
			return r.timeoutFail(ctx, run)
		}
		skip, err := r.alreadyCompleted(ctx, run.RunID, stage)
		if err != nil {
			return r.fail(ctx, run, nil, err)
		}
		if skip {
			completed = i + 1
			continue
		}

		node, err := r.deps.Store.CreateNode(ctx, run.RunID, stage)
		if err != nil {
			return r.fail(ctx, run, nil, err)
		}
		r.emit(ctx, run, bus.EventStepStarted, map[string]any{"step": stage})
		r.emit(ctx, run, bus.EventNodeStarted, map[string]any{"node_id": node.NodeID, "name": stage})

		nodeStart := time.Now()
		res, err := registry[stage](ctx, r.deps, &nodes.RunContext{Run: run, Intent: ti, NodeID: node.NodeID})
		duration := time.Since(nodeStart)
		telemetry.NodeLatency.WithLabelValues(stage).Observe(duration.Seconds())

		if err != nil {
			if ctx.Err() != nil {
				_ = r.finishNode(ctx, node.NodeID, state.NodeFailed, nil, err)
				return r.timeoutFail(ctx, run)
			}
			_ = r.finishNode(ctx, node.NodeID, state.NodeFailed, nil, err)
			r.emit(ctx, run, bus.EventStepFailed, map[string]any{
				"step": stage, "error": err.Error(), "error_code": traderrors.CodeOf(err),
			})
			return r.fail(ctx, run, &ti, err)
		}

		if err := r.finishNode(ctx, node.NodeID, state.NodeCompleted, res.Outputs, nil); err != nil {
			return r.fail(ctx, run, &ti, err)
		}
		completed = i + 1
		r.emit(ctx, run, bus.EventStepCompleted, map[string]any{
			"step": stage, "duration_ms": duration.Milliseconds(),
		})
		r.emit(ctx, run, bus.EventNodeFinished, map[string]any{
			"node_id": node.NodeID, "name": stage, "duration_ms": duration.Milliseconds(),
		})
		if err := r.deps.Store.UpdateRunTelemetry(ctx, run.RunID, len(stages), completed, stage, time.Since(started)); err != nil {
			logging.Warn(ctx, "telemetry update failed", "run_id", run.RunID)
		}

		if res.RequiresApproval {
			if err := r.deps.Store.UpdateRunStatus(ctx, run.RunID, state.RunPaused); err != nil {
				return err
			}
			r.emit(ctx, run, bus.EventApprovalRequested, map[string]any{"step": stage})
			return ErrPaused
		}
	}

	return r.finalize(ctx, run, &ti, time.Since(started))
}

// Start runs Execute in a background goroutine with panic containment. Any
// failure marks the run FAILED; the mark-failed write survives transient DB
// locks with a short retry.
func (r *Runner) Start(runID string) {
	go func() {
		ctx := context.Background()
		defer func() {
			if p := recover(); p != nil {
				logging.Error(ctx, "run worker panicked", "run_id", runID, "panic", fmt.Sprint(p))
				r.markFailedWithRetry(ctx, runID, "INTERNAL_ERROR", fmt.Sprintf("worker panic: %v", p))
			}
		}()
		if err := r.Execute(ctx, runID); err != nil && !errors.Is(err, ErrPaused) {
			logging.Error(ctx, "run execution failed", "run_id", runID, "err", err.Error())
			r.markFailedWithRetry(ctx, runID, traderrors.CodeOf(err), err.Error())
		}
	}()
}

func (r *Runner) initialize(ctx context.Context, run *store.Run, ti *intent.TradeIntent, resuming bool) error {
	if resuming {
		if err := r.deps.Store.UpdateRunStatus(ctx, run.RunID, state.RunRunning); err != nil {
			return err
		}
		run.Status = state.RunRunning
		r.emit(ctx, run, bus.EventRunStatus, map[string]any{"status": state.RunRunning, "resumed": true})
		return nil
	}
	if run.Status != state.RunCreated {
		return nil
	}
	if err := r.deps.Store.UpdateRunStatus(ctx, run.RunID, state.RunRunning); err != nil {
		return err
	}
	run.Status = state.RunRunning

	stages := nodes.Order(run.NewsEnabled)
	if !run.NewsEnabled {
		if err := artifacts.Put(ctx, r.deps.Store, run.RunID, "plan", artifacts.TypeNewsSkipped,
			map[string]any{"reason": "news disabled for this run"}); err != nil {
			return err
		}
	}
	if err := r.deps.Store.UpdateRunTelemetry(ctx, run.RunID, len(stages), 0, "", 0); err != nil {
		logging.Warn(ctx, "telemetry init failed", "run_id", run.RunID)
	}

	plan := map[string]any{
		"stages":         stages,
		"execution_mode": run.ExecutionMode,
		"news_enabled":   run.NewsEnabled,
	}
	// The confirmation's selection carries through to the plan so a locked
	// asset is visible before any node runs.
	if run.MetadataJSON != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(run.MetadataJSON), &meta); err == nil {
			if v, ok := meta["selected_asset"]; ok {
				plan["selected_asset"] = v
			}
			if v, ok := meta["selected_order"]; ok {
				plan["selected_order"] = v
			}
		}
	}
	planJSON, _ := json.Marshal(plan)
	if err := r.deps.Store.SetRunPlan(ctx, run.RunID, string(planJSON)); err != nil {
		return err
	}

	r.emit(ctx, run, bus.EventPlanCreated, plan)
	r.emit(ctx, run, bus.EventRunCreated, map[string]any{"execution_mode": run.ExecutionMode})
	r.emit(ctx, run, bus.EventRunStarted, nil)
	r.emit(ctx, run, bus.EventRunStatus, map[string]any{"status": state.RunRunning})
	return nil
}

// alreadyCompleted implements the resume check. Approval nodes completed
// without a consumed decision are re-executed so they can consume it.
func (r *Runner) alreadyCompleted(ctx context.Context, runID, stage string) (bool, error) {
	node, err := r.deps.Store.GetNodeByName(ctx, runID, stage)
	if err != nil {
		return false, err
	}
	if node == nil || node.Status != state.NodeCompleted {
		return false, nil
	}
	if stage == nodes.StageApproval {
		var out nodes.ApprovalOutputs
		if node.OutputsJSON != "" {
			_ = json.Unmarshal([]byte(node.OutputsJSON), &out)
		}
		if out.Required && out.Decision == "" {
			return false, nil
		}
	}
	return true, nil
}

func (r *Runner) finalize(ctx context.Context, run *store.Run, ti *intent.TradeIntent, elapsed time.Duration) error {
	receipt := r.buildReceipt(ctx, run, ti, nil)
	if err := artifacts.Put(ctx, r.deps.Store, run.RunID, "finalize", artifacts.TypeTradeReceipt, receipt); err != nil {
		return err
	}
	summary := artifacts.RunStatusSummary{Summary: summarize(receipt)}
	if err := artifacts.Put(ctx, r.deps.Store, run.RunID, "finalize", artifacts.TypeRunStatusSummary, summary); err != nil {
		logging.Warn(ctx, "status summary write failed", "run_id", run.RunID)
	}

	if err := r.deps.Store.UpdateRunStatus(ctx, run.RunID, state.RunCompleted); err != nil {
		return err
	}
	payload := map[string]any{"status": state.RunCompleted}
	if last := r.lastOrder(ctx, run.RunID); last != nil {
		payload["order_id"] = last.OrderID
		payload["order_status"] = last.Status
		if last.FilledQty != nil {
			payload["filled_qty"] = *last.FilledQty
		}
		if last.AvgFillPrice != nil {
			payload["avg_fill_price"] = *last.AvgFillPrice
		}
	}
	r.emit(ctx, run, bus.EventRunCompleted, payload)

	telemetry.RunsTotal.WithLabelValues(string(state.RunCompleted), string(run.ExecutionMode)).Inc()
	telemetry.RunDuration.WithLabelValues(string(state.RunCompleted)).Observe(elapsed.Seconds())
	return nil
}

func (r *Runner) fail(ctx context.Context, run *store.Run, ti *intent.TradeIntent, cause error) error {
	code := traderrors.CodeOf(cause)
	if err := r.deps.Store.SetRunFailure(ctx, run.RunID, code, cause.Error()); err != nil {
		logging.Warn(ctx, "failure record write failed", "run_id", run.RunID)
	}
	if err := r.deps.Store.UpdateRunStatus(ctx, run.RunID, state.RunFailed); err != nil {
		logging.Error(ctx, "mark run failed errored", "run_id", run.RunID, "err", err.Error())
	}
	receipt := r.buildReceipt(ctx, run, ti, cause)
	if err := artifacts.Put(ctx, r.deps.Store, run.RunID, "finalize", artifacts.TypeTradeReceipt, receipt); err != nil {
		logging.Warn(ctx, "failed receipt write failed", "run_id", run.RunID)
	}
	r.emit(ctx, run, bus.EventRunFailed, map[string]any{
		"error_code": code, "error": cause.Error(),
	})
	telemetry.RunsTotal.WithLabelValues(string(state.RunFailed), string(run.ExecutionMode)).Inc()
	return cause
}

func (r *Runner) timeoutFail(ctx context.Context, run *store.Run) error {
	// The run context is dead; finalization writes use a fresh one.
	ctx = context.WithoutCancel(ctx)
	cause := traderrors.New(traderrors.CodeExecutionTimeout,
		fmt.Sprintf("run exceeded the %s deadline", r.timeout))
	if err := artifacts.Put(ctx, r.deps.Store, run.RunID, "finalize", artifacts.TypeExecutionError,
		artifacts.ExecutionError{Code: cause.Code, Message: cause.Message}); err != nil {
		logging.Warn(ctx, "execution error artifact write failed", "run_id", run.RunID)
	}
	return r.fail(ctx, run, nil, cause)
}

// buildReceipt assembles the terminal receipt. cause nil means success.
func (r *Runner) buildReceipt(ctx context.Context, run *store.Run, ti *intent.TradeIntent, cause error) artifacts.TradeReceipt {
	receipt := artifacts.TradeReceipt{
		Status:      "EXECUTED",
		Mode:        string(run.ExecutionMode),
		AssetClass:  string(run.AssetClass),
		CompletedAt: time.Now().UTC(),
		Venue: artifacts.Venue{
			Name:          providerName(r.deps, run.ExecutionMode),
			ExecutionMode: string(run.ExecutionMode),
			OrderType:     "MARKET",
		},
		Evidence: r.evidenceRefs(ctx, run),
	}
	if ti != nil {
		receipt.Side = ti.Side
		receipt.RequestedNotionalUSD = ti.NotionalUSD
		receipt.NotionalUSD = ti.NotionalUSD
	}
	if cause != nil {
		receipt.Status = "FAILED"
		te := traderrors.New(traderrors.CodeOf(cause), cause.Error())
		var known *traderrors.TradeError
		if errors.As(cause, &known) {
			te = known
		}
		receipt.Error = &artifacts.ReceiptError{
			Code: te.Code, Message: te.Message, Remediation: te.Remediation,
		}
		return receipt
	}
	if last := r.lastOrder(ctx, run.RunID); last != nil {
		receipt.Symbol = last.Symbol
		receipt.Side = last.Side
		receipt.OrderID = last.OrderID
		receipt.NotionalUSD = last.NotionalUSD
		receipt.FilledQty = last.FilledQty
		receipt.AvgFillPrice = last.AvgFillPrice
		receipt.FeesUSD = last.TotalFees
		if last.FilledQty != nil && last.AvgFillPrice != nil {
			executed := *last.FilledQty * *last.AvgFillPrice
			receipt.ExecutedNotionalUSD = &executed
		}
		placed := last.CreatedAt
		receipt.PlacedAt = &placed
	}
	return receipt
}

func (r *Runner) evidenceRefs(ctx context.Context, run *store.Run) []artifacts.EvidenceRef {
	refs := []artifacts.EvidenceRef{}
	if batches, err := r.deps.Store.ListCandlesBatches(ctx, run.RunID, ""); err == nil && len(batches) > 0 {
		refs = append(refs, artifacts.EvidenceRef{Type: "market_candles_batches", Step: nodes.StageResearch})
	}
	if _, err := r.deps.Store.GetRankings(ctx, run.RunID); err == nil {
		refs = append(refs, artifacts.EvidenceRef{Type: "run_rankings", Step: nodes.StageSignals})
	}
	if run.NewsEnabled {
		refs = append(refs, artifacts.EvidenceRef{Type: "run_news_evidence", Step: nodes.StageNews})
	}
	return refs
}

func (r *Runner) lastOrder(ctx context.Context, runID string) *store.Order {
	orders, err := r.deps.Store.ListOrdersByRun(ctx, runID)
	if err != nil || len(orders) == 0 {
		return nil
	}
	return orders[len(orders)-1]
}

func (r *Runner) finishNode(ctx context.Context, nodeID string, status state.NodeStatus, outputs map[string]any, cause error) error {
	outputsJSON := ""
	if outputs != nil {
		raw, err := json.Marshal(outputs)
		if err != nil {
			return err
		}
		outputsJSON = string(raw)
	}
	errorJSON := ""
	if cause != nil {
		raw, _ := json.Marshal(map[string]any{
			"error": cause.Error(), "error_code": traderrors.CodeOf(cause),
		})
		errorJSON = string(raw)
	}
	return r.deps.Store.FinishNode(ctx, nodeID, status, outputsJSON, errorJSON)
}

func (r *Runner) emit(ctx context.Context, run *store.Run, eventType string, payload any) {
	if _, err := r.deps.Bus.Emit(ctx, run.RunID, run.TenantID, eventType, payload); err != nil {
		logging.Warn(ctx, "event emit failed", "run_id", run.RunID, "event_type", eventType)
	}
}

// markFailedWithRetry is the failure backstop for paths that never reach
// fail: worker panics and errors raised before the stage loop. It marks the
// run FAILED, writes the failed trade_receipt and emits RUN_FAILED so event
// streams still terminate; the status writes survive transient DB locks with
// a short retry. Runs fail already finalized are left untouched.
func (r *Runner) markFailedWithRetry(ctx context.Context, runID, code, reason string) {
	defer func() { go r.notifier.NotifyRunFailure(ctx, runID, code, reason) }()

	run, err := r.deps.Store.GetRun(ctx, "", runID)
	if err != nil {
		logging.Error(ctx, "could not load failing run", "run_id", runID, "err", err.Error())
		return
	}
	if run.Status == state.RunFailed {
		return
	}

	marked := false
	for attempt := 1; attempt <= 3; attempt++ {
		err1 := r.deps.Store.SetRunFailure(ctx, runID, code, reason)
		err2 := r.deps.Store.UpdateRunStatus(ctx, runID, state.RunFailed)
		if err1 == nil && err2 == nil {
			marked = true
			break
		}
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}
	if !marked {
		logging.Error(ctx, "could not mark run failed", "run_id", runID)
		return
	}

	cause := traderrors.New(code, reason)
	receipt := r.buildReceipt(ctx, run, nil, cause)
	if err := artifacts.Put(ctx, r.deps.Store, runID, "finalize", artifacts.TypeTradeReceipt, receipt); err != nil {
		logging.Warn(ctx, "failed receipt write failed", "run_id", runID)
	}
	r.emit(ctx, run, bus.EventRunFailed, map[string]any{
		"error_code": code, "error": reason,
	})
	telemetry.RunsTotal.WithLabelValues(string(state.RunFailed), string(run.ExecutionMode)).Inc()
}

func providerName(d *nodes.Deps, mode state.ExecutionMode) string {
	if p, err := d.Provider(mode); err == nil {
		return p.Name()
	}
	return "assisted"
}

func summarize(receipt artifacts.TradeReceipt) string {
	if receipt.Status == "FAILED" {
		if receipt.Error != nil {
			return fmt.Sprintf("Run failed: %s", receipt.Error.Message)
		}
		return "Run failed"
	}
	if receipt.OrderID == "" {
		return "Run completed without placing an order"
	}
	return fmt.Sprintf("%s %s for $%.2f executed in %s mode",
		receipt.Side, receipt.Symbol, receipt.NotionalUSD, receipt.Mode)
}
