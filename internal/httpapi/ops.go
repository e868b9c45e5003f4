package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-multierror"

	"tradeloop/internal/state"
)

// handleHealth reports database reachability, schema drift and the effective
// safety configuration.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var health *multierror.Error
	dbOK := true
	if err := s.store.DB().PingContext(ctx); err != nil {
		dbOK = false
		health = multierror.Append(health, err)
	}
	schemaOK, missing, err := s.store.ValidateSchema(ctx)
	if err != nil {
		schemaOK = false
		health = multierror.Append(health, err)
	}
	applied, err := s.store.AppliedMigrations(ctx)
	if err != nil {
		health = multierror.Append(health, err)
	}
	pending, err := s.store.PendingMigrations(ctx)
	if err != nil {
		health = multierror.Append(health, err)
	}

	status := "ok"
	httpStatus := http.StatusOK
	if health.ErrorOrNil() != nil || !dbOK || !schemaOK {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{
		"status":             status,
		"database":           dbOK,
		"schema_ok":          schemaOK,
		"missing_columns":    missing,
		"applied_migrations": applied,
		"pending_migrations": pending,
		"config": map[string]any{
			"trading_disable_live":   s.cfg.TradingDisableLive,
			"live_execution_allowed": s.cfg.LiveAllowed(),
			"force_paper_mode":       s.cfg.ForcePaperMode,
			"kill_switch_enabled":    s.cfg.KillSwitchEnabled,
			"execution_mode_default": s.cfg.ExecutionModeDefault,
		},
	})
}

func (s *Server) handleRunEvals(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	run, err := s.store.GetRun(r.Context(), claims.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	evals, err := s.store.ListEvalResults(r.Context(), run.RunID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": run.RunID, "evals": evalViews(evals)})
}

// handleEvalSummary averages eval scores per eval name over recent runs.
func (s *Server) handleEvalSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := claimsFrom(ctx)
	runs, err := s.store.ListRuns(ctx, claims.TenantID, 50)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, run := range runs {
		evals, err := s.store.ListEvalResults(ctx, run.RunID)
		if err != nil {
			continue
		}
		for _, e := range evals {
			sums[e.EvalName] += e.Score
			counts[e.EvalName]++
		}
	}
	summary := map[string]map[string]any{}
	for name, sum := range sums {
		summary[name] = map[string]any{
			"avg_score": sum / float64(counts[name]),
			"samples":   counts[name],
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs_considered": len(runs), "evals": summary})
}

func (s *Server) handleOrderAnalytics(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	orders, err := s.store.ListOrdersByTenant(r.Context(), claims.TenantID, 200)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	byStatus := map[state.OrderStatus]int{}
	totalNotional := 0.0
	totalFees := 0.0
	for _, o := range orders {
		byStatus[o.Status]++
		totalNotional += o.NotionalUSD
		if o.TotalFees != nil {
			totalFees += *o.TotalFees
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders":             len(orders),
		"by_status":          byStatus,
		"total_notional_usd": totalNotional,
		"total_fees_usd":     totalFees,
	})
}

func (s *Server) handleRunAnalytics(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	runs, err := s.store.ListRuns(r.Context(), claims.TenantID, 200)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	byStatus := map[state.RunStatus]int{}
	byMode := map[state.ExecutionMode]int{}
	var totalDuration time.Duration
	durations := 0
	for _, run := range runs {
		byStatus[run.Status]++
		byMode[run.ExecutionMode]++
		if run.StartedAt != nil && run.CompletedAt != nil {
			totalDuration += run.CompletedAt.Sub(*run.StartedAt)
			durations++
		}
	}
	resp := map[string]any{
		"runs": len(runs), "by_status": byStatus, "by_mode": byMode,
	}
	if durations > 0 {
		resp["avg_duration_ms"] = (totalDuration / time.Duration(durations)).Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}
