// Package artifacts defines the typed edges of the untyped artifact_json
// storage. Each artifact type has a schema-validated struct; writers validate
// on the way in (warn-only), and readers decode defensively so a corrupt row
// can never crash a list endpoint.
package artifacts

import (
	"context"
	"encoding/json"
	"time"

	"tradeloop/internal/logging"
	"tradeloop/internal/store"
)

// Artifact type names persisted in run_artifacts.
const (
	TypeTradePlan        = "trade_plan"
	TypeTradeReceipt     = "trade_receipt"
	TypeDecisionRecord   = "decision_record"
	TypeDecisionTable    = "decision_table"
	TypeNewsBrief        = "news_brief"
	TypeNewsSkipped      = "news_skipped"
	TypeRunStatusSummary = "run_status_summary"
	TypeUniverseSnapshot = "universe_snapshot"
	TypeExecutionError   = "execution_error"
	TypeResearchFailure  = "research_failure"
	TypeOrderTicket      = "order_ticket"
	TypeFinancialBrief   = "financial_brief"
)

type (
	// TradePlan is written at proposal time.
	TradePlan struct {
		Strategy      string      `json:"strategy"`
		Metric        string      `json:"metric"`
		Window        PlanWindow  `json:"window"`
		SelectedAsset string      `json:"selected_asset"`
		Rationale     string      `json:"rationale"`
		Constraints   Constraints `json:"constraints"`
		ComputedAt    time.Time   `json:"computed_at"`
	}

	// PlanWindow labels the lookback window.
	PlanWindow struct {
		Label string `json:"label"`
		Hours int    `json:"hours,omitempty"`
	}

	// Constraints captures the execution constraints of a plan.
	Constraints struct {
		Mode             string `json:"mode"`
		SlippageGuardBps int    `json:"slippage_guard_bps,omitempty"`
		TimeInForce      string `json:"time_in_force"`
	}

	// TradeReceipt is the terminal artifact required on every trade run.
	TradeReceipt struct {
		Status               string        `json:"status"` // EXECUTED | FAILED
		Mode                 string        `json:"mode"`
		Side                 string        `json:"side,omitempty"`
		AssetClass           string        `json:"asset_class,omitempty"`
		Symbol               string        `json:"symbol,omitempty"`
		RequestedNotionalUSD float64       `json:"requested_notional_usd"`
		ExecutedNotionalUSD  *float64      `json:"executed_notional_usd,omitempty"`
		NotionalUSD          float64       `json:"notional_usd"`
		OrderID              string        `json:"order_id,omitempty"`
		FilledQty            *float64      `json:"filled_qty,omitempty"`
		AvgFillPrice         *float64      `json:"avg_fill_price,omitempty"`
		FeesUSD              *float64      `json:"fees_usd,omitempty"`
		PlacedAt             *time.Time    `json:"placed_at,omitempty"`
		CompletedAt          time.Time     `json:"completed_at"`
		Error                *ReceiptError `json:"error,omitempty"`
		Evidence             []EvidenceRef `json:"evidence"`
		Venue                Venue         `json:"venue"`
	}

	// ReceiptError carries the structured failure on a FAILED receipt.
	ReceiptError struct {
		Code        string `json:"code"`
		Message     string `json:"message"`
		Remediation string `json:"remediation,omitempty"`
	}

	// EvidenceRef names one evidence source backing the receipt.
	EvidenceRef struct {
		Type string `json:"type"`
		Step string `json:"step"`
	}

	// Venue describes where and how the order was placed.
	Venue struct {
		Name          string `json:"name"`
		ExecutionMode string `json:"execution_mode"`
		OrderType     string `json:"order_type"`
	}

	// DecisionTable is the ranked-candidates artifact written at proposal.
	DecisionTable struct {
		AssetClass       string            `json:"asset_class"`
		Granularity      string            `json:"granularity"`
		StalenessNote    string            `json:"staleness_note,omitempty"`
		RankedCandidates []RankedCandidate `json:"ranked_candidates"`
		DroppedSymbols   map[string]string `json:"dropped_symbols,omitempty"`
		FinalSelection   FinalSelection    `json:"final_selection"`
		CreatedAt        time.Time         `json:"created_at"`
	}

	// RankedCandidate is one row of the decision table.
	RankedCandidate struct {
		Symbol    string  `json:"symbol"`
		Return    float64 `json:"return"`
		LastPrice float64 `json:"last_price"`
	}

	// FinalSelection records the chosen (or blocked) outcome.
	FinalSelection struct {
		Symbol  string `json:"symbol,omitempty"`
		Blocked bool   `json:"blocked"`
		Reason  string `json:"reason,omitempty"`
	}

	// UniverseSnapshot is written for stock runs.
	UniverseSnapshot struct {
		Symbols     []string `json:"symbols"`
		Granularity string   `json:"granularity"`
		DataSource  string   `json:"data_source"`
	}

	// ResearchFailure explains why every candidate was dropped.
	ResearchFailure struct {
		ReasonCode      string            `json:"reason_code"`
		RootCauseGuess  string            `json:"root_cause_guess"`
		RecommendedFix  string            `json:"recommended_fix"`
		DroppedByReason map[string]int    `json:"dropped_by_reason"`
		TopExamples     map[string]string `json:"top_examples"`
	}

	// ExecutionError is written when the run deadline or execution fails.
	ExecutionError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	// RunStatusSummary is the one-line human summary for the UI.
	RunStatusSummary struct {
		Summary string `json:"summary"`
	}
)

// Put marshals the artifact, validates it against its schema when one is
// registered (warn-only), and upserts the row.
func Put(ctx context.Context, s *store.Store, runID, stepName, artifactType string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := validate(artifactType, raw); err != nil {
		logging.Warn(ctx, "artifact failed schema validation", "run_id", runID, "artifact_type", artifactType, "reason", err.Error())
	}
	return s.PutArtifact(ctx, runID, stepName, artifactType, string(raw))
}

// Get decodes the artifact of the given type into out. Returns
// store.ErrNotFound when absent; decode failures are logged and reported so
// callers can fall back to safe defaults.
func Get(ctx context.Context, s *store.Store, runID, artifactType string, out any) error {
	a, err := s.GetArtifact(ctx, runID, artifactType)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(a.ArtifactJSON), out); err != nil {
		logging.Warn(ctx, "artifact parse failure", "run_id", runID, "artifact_type", artifactType)
		return err
	}
	return nil
}
