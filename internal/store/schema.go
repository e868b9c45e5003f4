package store

import (
	"context"
	"fmt"
)

// schemaContract is the hardcoded table → columns contract the health check
// validates. Runner-critical columns are listed explicitly so a stale
// database fails fast at startup instead of mid-run.
var schemaContract = map[string][]string{
	"runs": {
		"run_id", "tenant_id", "status", "execution_mode", "source_run_id",
		"trace_id", "created_at", "started_at", "completed_at", "command_text",
		"parsed_intent_json", "execution_plan_json", "trade_proposal_json",
		"metadata_json", "failure_reason", "failure_code", "locked_product_id",
		"tradability_verified", "news_enabled", "asset_class",
	},
	"trade_confirmations": {
		"confirmation_id", "tenant_id", "conversation_id", "user_id",
		"proposal_json", "insight_json", "mode", "status", "run_id",
		"created_at", "expires_at",
	},
	"dag_nodes": {
		"node_id", "run_id", "name", "status", "started_at", "completed_at",
		"inputs_json", "outputs_json", "error_json",
	},
	"orders": {
		"order_id", "run_id", "tenant_id", "provider", "symbol", "side",
		"order_type", "notional_usd", "qty", "status", "filled_qty",
		"avg_fill_price", "total_fees", "status_reason", "status_updated_at",
		"created_at",
	},
	"fills":                  {"fill_id", "order_id", "price", "size", "fee", "filled_at"},
	"portfolio_snapshots":    {"snapshot_id", "run_id", "tenant_id", "balances_json", "positions_json", "total_value_usd", "ts"},
	"run_events":             {"event_id", "run_id", "tenant_id", "event_type", "payload_json", "ts"},
	"run_artifacts":          {"run_id", "step_name", "artifact_type", "artifact_json", "created_at"},
	"market_candles_batches": {"batch_id", "run_id", "symbol", "window", "candles_json", "query_params_json", "ts"},
	"tool_calls":             {"id", "run_id", "node_id", "tool_name", "request_json", "response_json", "status", "error_text", "ts"},
	"approvals":              {"approval_id", "run_id", "tenant_id", "status", "decision", "decided_by", "decided_at", "created_at"},
	"eval_results":           {"eval_id", "run_id", "tenant_id", "eval_name", "score", "reasons_json", "step_name", "eval_category", "evaluator_type", "ts"},
}

// ValidateSchema checks the live database against the contract. It returns
// ok=false with a map of table → missing columns when the schema is stale.
func (s *Store) ValidateSchema(ctx context.Context) (bool, map[string][]string, error) {
	missing := make(map[string][]string)
	for table, want := range schemaContract {
		have, err := s.tableColumns(ctx, table)
		if err != nil {
			return false, nil, err
		}
		if have == nil {
			missing[table] = want
			continue
		}
		for _, col := range want {
			if !have[col] {
				missing[table] = append(missing[table], col)
			}
		}
	}
	if len(missing) > 0 {
		return false, missing, nil
	}
	return true, nil, nil
}

func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, nil
	}
	return cols, nil
}
