// Package evals scores completed runs with deterministic heuristics. Each
// emitter produces one eval_results row with a score in [0,1] and a reasons
// payload; emitters never fail a run, they only record what they saw.
package evals

import (
	"context"
	"encoding/json"
	"strings"

	"tradeloop/internal/artifacts"
	"tradeloop/internal/logging"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
)

// Eval names.
const (
	EvalExecutionQuality    = "execution_quality"
	EvalInsightGroundedness = "insight_groundedness"
	EvalNewsCoverage        = "news_coverage"
	EvalToolSuccessRate     = "tool_success_rate"
	EvalResponseFormat      = "response_format"
	EvalRunStateConsistency = "run_state_consistency"
	EvalFaithfulness        = "faithfulness"
	EvalAnswerRelevance     = "answer_relevance"
	EvalRetrievalRelevance  = "retrieval_relevance"
	EvalGroundedness        = "groundedness"
	EvalStockWindowHonesty  = "stock_window_honesty"
)

// Emitter scores one aspect of a finished run.
type Emitter func(ctx context.Context, s *store.Store, run *store.Run) (score float64, reasons []string, ok bool)

var emitters = map[string]struct {
	category string
	fn       Emitter
}{
	EvalExecutionQuality:    {"execution", executionQuality},
	EvalInsightGroundedness: {"grounding", insightGroundedness},
	EvalNewsCoverage:        {"evidence", newsCoverage},
	EvalToolSuccessRate:     {"tooling", toolSuccessRate},
	EvalResponseFormat:      {"format", responseFormat},
	EvalRunStateConsistency: {"consistency", runStateConsistency},
	EvalFaithfulness:        {"grounding", faithfulness},
	EvalAnswerRelevance:     {"relevance", answerRelevance},
	EvalRetrievalRelevance:  {"relevance", retrievalRelevance},
	EvalGroundedness:        {"grounding", groundedness},
	EvalStockWindowHonesty:  {"format", stockWindowHonesty},
}

// EmitAll runs every applicable emitter and persists its row. Emitter
// failures are logged and skipped so evaluation never blocks run completion.
func EmitAll(ctx context.Context, s *store.Store, run *store.Run) {
	for name, e := range emitters {
		score, reasons, ok := e.fn(ctx, s, run)
		if !ok {
			continue
		}
		reasonsJSON, _ := json.Marshal(reasons)
		row := &store.EvalResult{
			RunID:          run.RunID,
			TenantID:       run.TenantID,
			ConversationID: run.ConversationID,
			EvalName:       name,
			Score:          clamp(score),
			ReasonsJSON:    string(reasonsJSON),
			EvalCategory:   e.category,
			EvaluatorType:  "heuristic",
		}
		if err := s.InsertEvalResult(ctx, row); err != nil {
			logging.Warn(ctx, "eval insert failed", "run_id", run.RunID, "eval", name, "err", err.Error())
		}
	}
}

// executionQuality scores how cleanly orders reached FILLED.
func executionQuality(ctx context.Context, s *store.Store, run *store.Run) (float64, []string, bool) {
	orders, err := s.ListOrdersByRun(ctx, run.RunID)
	if err != nil || len(orders) == 0 {
		return 0, nil, false
	}
	filled, terminal := 0, 0
	for _, o := range orders {
		if state.OrderTerminal(o.Status) {
			terminal++
		}
		if o.Status == state.OrderFilled {
			filled++
		}
	}
	reasons := []string{}
	score := float64(filled) / float64(len(orders))
	if terminal < len(orders) {
		reasons = append(reasons, "some orders never reached a terminal status")
	}
	if filled == len(orders) {
		reasons = append(reasons, "all orders filled")
	}
	return score, reasons, true
}

// insightGroundedness checks that the proposal's decision record references
// stored evidence rather than free-floating claims.
func insightGroundedness(ctx context.Context, s *store.Store, run *store.Run) (float64, []string, bool) {
	var table artifacts.DecisionTable
	if err := artifacts.Get(ctx, s, run.RunID, artifacts.TypeDecisionTable, &table); err != nil {
		return 0, nil, false
	}
	batches, err := s.ListCandlesBatches(ctx, run.RunID, "")
	if err != nil {
		return 0, nil, false
	}
	have := make(map[string]bool, len(batches))
	for _, b := range batches {
		have[b.Symbol] = true
	}
	backed := 0
	for _, c := range table.RankedCandidates {
		if have[c.Symbol] {
			backed++
		}
	}
	if len(table.RankedCandidates) == 0 {
		return 0, []string{"empty decision table"}, true
	}
	score := float64(backed) / float64(len(table.RankedCandidates))
	return score, []string{"candidates backed by stored candle batches"}, true
}

// newsCoverage scores whether a news-enabled run froze its evidence.
func newsCoverage(ctx context.Context, s *store.Store, run *store.Run) (float64, []string, bool) {
	if !run.NewsEnabled {
		return 0, nil, false
	}
	var brief struct {
		Symbol string `json:"symbol"`
	}
	if err := artifacts.Get(ctx, s, run.RunID, artifacts.TypeNewsBrief, &brief); err != nil {
		return 0, []string{"news enabled but no news_brief artifact"}, true
	}
	items, err := s.ListNewsEvidence(ctx, run.RunID, brief.Symbol)
	if err != nil {
		return 0, nil, false
	}
	if len(items) == 0 {
		return 0.5, []string{"news_brief present but no frozen evidence rows"}, true
	}
	return 1, []string{"news_brief backed by frozen evidence"}, true
}

// toolSuccessRate is the fraction of audited external calls that succeeded.
func toolSuccessRate(ctx context.Context, s *store.Store, run *store.Run) (float64, []string, bool) {
	calls, err := s.ListToolCalls(ctx, run.RunID)
	if err != nil || len(calls) == 0 {
		return 0, nil, false
	}
	ok := 0
	for _, tc := range calls {
		if tc.Status == "OK" {
			ok++
		}
	}
	return float64(ok) / float64(len(calls)), nil, true
}

// responseFormat validates that the terminal receipt parses into its typed
// form and carries the mandatory fields.
func responseFormat(ctx context.Context, s *store.Store, run *store.Run) (float64, []string, bool) {
	var receipt artifacts.TradeReceipt
	if err := artifacts.Get(ctx, s, run.RunID, artifacts.TypeTradeReceipt, &receipt); err != nil {
		return 0, []string{"missing or unparsable trade_receipt"}, true
	}
	var reasons []string
	score := 1.0
	if receipt.Status != "EXECUTED" && receipt.Status != "FAILED" {
		score -= 0.5
		reasons = append(reasons, "receipt status is not EXECUTED or FAILED")
	}
	if receipt.Venue.Name == "" {
		score -= 0.25
		reasons = append(reasons, "receipt missing venue")
	}
	if len(receipt.Evidence) == 0 {
		score -= 0.25
		reasons = append(reasons, "receipt carries no evidence references")
	}
	return score, reasons, true
}

// runStateConsistency cross-checks the run row against its nodes and orders.
func runStateConsistency(ctx context.Context, s *store.Store, run *store.Run) (float64, []string, bool) {
	nodes, err := s.ListNodes(ctx, run.RunID)
	if err != nil {
		return 0, nil, false
	}
	var reasons []string
	score := 1.0
	for _, n := range nodes {
		if n.Status == state.NodeRunning {
			score -= 0.5
			reasons = append(reasons, "node "+n.Name+" left RUNNING on a terminal run")
		}
	}
	if run.Status == state.RunCompleted {
		for _, n := range nodes {
			if n.Status == state.NodeFailed {
				score -= 0.5
				reasons = append(reasons, "COMPLETED run has a FAILED node "+n.Name)
			}
		}
	}
	if run.Status == state.RunFailed && run.FailureCode == "" {
		score -= 0.25
		reasons = append(reasons, "FAILED run missing failure_code")
	}
	return score, reasons, true
}

// faithfulness checks the proposal symbol matches the research evidence.
func faithfulness(ctx context.Context, s *store.Store, run *store.Run) (float64, []string, bool) {
	var table artifacts.DecisionTable
	if err := artifacts.Get(ctx, s, run.RunID, artifacts.TypeDecisionTable, &table); err != nil {
		return 0, nil, false
	}
	if table.FinalSelection.Blocked {
		return 1, []string{"blocked selection is trivially faithful"}, true
	}
	for _, c := range table.RankedCandidates {
		if c.Symbol == table.FinalSelection.Symbol {
			return 1, []string{"selection appears in the ranked candidates"}, true
		}
	}
	return 0, []string{"selection not present among ranked candidates"}, true
}

// answerRelevance checks the receipt answers the user's command.
func answerRelevance(ctx context.Context, s *store.Store, run *store.Run) (float64, []string, bool) {
	if run.CommandText == "" {
		return 0, nil, false
	}
	var receipt artifacts.TradeReceipt
	if err := artifacts.Get(ctx, s, run.RunID, artifacts.TypeTradeReceipt, &receipt); err != nil {
		return 0, nil, false
	}
	cmd := strings.ToLower(run.CommandText)
	score := 0.5
	var reasons []string
	if receipt.Side != "" && strings.Contains(cmd, strings.ToLower(receipt.Side)) {
		score += 0.25
		reasons = append(reasons, "receipt side matches the command")
	}
	if receipt.Symbol != "" && strings.Contains(cmd, strings.ToLower(strings.Split(receipt.Symbol, "-")[0])) {
		score += 0.25
		reasons = append(reasons, "receipt symbol named in the command")
	}
	return score, reasons, true
}

// retrievalRelevance checks the frozen evidence concerns the traded symbol.
func retrievalRelevance(ctx context.Context, s *store.Store, run *store.Run) (float64, []string, bool) {
	batches, err := s.ListCandlesBatches(ctx, run.RunID, "")
	if err != nil || len(batches) == 0 {
		return 0, nil, false
	}
	var receipt artifacts.TradeReceipt
	if err := artifacts.Get(ctx, s, run.RunID, artifacts.TypeTradeReceipt, &receipt); err != nil || receipt.Symbol == "" {
		return 0, nil, false
	}
	for _, b := range batches {
		if b.Symbol == receipt.Symbol {
			return 1, []string{"candle evidence exists for the traded symbol"}, true
		}
	}
	return 0, []string{"no candle evidence for the traded symbol"}, true
}

// groundedness is the evidence-side complement of faithfulness: every ranked
// candidate must trace back to a stored batch.
func groundedness(ctx context.Context, s *store.Store, run *store.Run) (float64, []string, bool) {
	score, reasons, ok := insightGroundedness(ctx, s, run)
	if !ok {
		return 0, nil, false
	}
	return score, reasons, true
}

// stockWindowHonesty checks stock runs disclose end-of-day data staleness.
func stockWindowHonesty(ctx context.Context, s *store.Store, run *store.Run) (float64, []string, bool) {
	if run.AssetClass != state.AssetStock {
		return 0, nil, false
	}
	var table artifacts.DecisionTable
	if err := artifacts.Get(ctx, s, run.RunID, artifacts.TypeDecisionTable, &table); err != nil {
		return 0, nil, false
	}
	if strings.Contains(table.StalenessNote, "1 business day") {
		return 1, []string{"staleness disclosed"}, true
	}
	return 0, []string{"stock run missing staleness disclosure"}, true
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
