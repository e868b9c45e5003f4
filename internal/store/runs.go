package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tradeloop/internal/ids"
	"tradeloop/internal/logging"
	"tradeloop/internal/state"
)

type (
	// Run is one end-to-end execution of the DAG for a single user command.
	Run struct {
		RunID               string
		TenantID            string
		Status              state.RunStatus
		ExecutionMode       state.ExecutionMode
		SourceRunID         string
		TraceID             string
		ConversationID      string
		CreatedAt           time.Time
		StartedAt           *time.Time
		CompletedAt         *time.Time
		CommandText         string
		ParsedIntentJSON    string
		ExecutionPlanJSON   string
		TradeProposalJSON   string
		MetadataJSON        string
		FailureReason       string
		FailureCode         string
		LockedProductID     string
		TradabilityVerified bool
		NewsEnabled         bool
		AssetClass          state.AssetClass
	}

	// DagNode is one stage execution row within a run.
	DagNode struct {
		NodeID      string
		RunID       string
		Name        string
		Status      state.NodeStatus
		StartedAt   *time.Time
		CompletedAt *time.Time
		InputsJSON  string
		OutputsJSON string
		ErrorJSON   string
	}
)

const runColumns = `run_id, tenant_id, status, execution_mode, source_run_id, trace_id,
	conversation_id, created_at, started_at, completed_at, command_text, parsed_intent_json,
	execution_plan_json, trade_proposal_json, metadata_json, failure_reason, failure_code,
	locked_product_id, tradability_verified, news_enabled, asset_class`

// CreateRun inserts a new run in CREATED state.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	if r.Status == "" {
		r.Status = state.RunCreated
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock.Now()
	}
	if r.SourceRunID != "" && r.ExecutionMode != state.ModeReplay {
		return fmt.Errorf("source_run_id requires REPLAY mode")
	}
	if r.ExecutionMode == state.ModeReplay && r.SourceRunID == "" {
		return fmt.Errorf("REPLAY mode requires source_run_id")
	}
	return s.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, r.TenantID, r.Status, r.ExecutionMode, nullStr(r.SourceRunID), r.TraceID,
			nullStr(r.ConversationID), r.CreatedAt, nullTime(r.StartedAt), nullTime(r.CompletedAt),
			nullStr(r.CommandText), nullStr(r.ParsedIntentJSON), nullStr(r.ExecutionPlanJSON),
			nullStr(r.TradeProposalJSON), nullStr(r.MetadataJSON), nullStr(r.FailureReason),
			nullStr(r.FailureCode), nullStr(r.LockedProductID), r.TradabilityVerified,
			r.NewsEnabled, r.AssetClass)
		return err
	})
}

// GetRun loads a run scoped to tenant. tenantID may be empty for internal
// (runner) access.
func (s *Store) GetRun(ctx context.Context, tenantID, runID string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE run_id = ?`
	args := []any{runID}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	var r Run
	err := ReadRetry(ctx, 3, func() error {
		return scanRun(s.db.QueryRowContext(ctx, query, args...), &r)
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns the tenant's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, tenantID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`,
		tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		var r Run
		if err := scanRun(rows, &r); err != nil {
			return nil, err
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// ActiveRunExists reports whether a CREATED or RUNNING run exists for the
// conversation, falling back to the whole tenant when conversationID is
// empty.
func (s *Store) ActiveRunExists(ctx context.Context, tenantID, conversationID string) (bool, error) {
	query := `SELECT COUNT(*) FROM runs WHERE tenant_id = ? AND status IN ('CREATED', 'RUNNING')`
	args := []any{tenantID}
	if conversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	var n int
	err := ReadRetry(ctx, 3, func() error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	})
	return n > 0, err
}

// UpdateRunStatus is the sole writer of runs.status. It reads the current
// status inside the transaction, rejects invalid transitions (no-op when
// already terminal, log+skip otherwise), and stamps started_at/completed_at.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, to state.RunStatus) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		var current state.RunStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		if current == to {
			return nil
		}
		if state.RunTerminal(current) {
			// Terminal statuses are sinks; attempts past them are idempotent.
			return nil
		}
		if !state.ValidRunTransition(current, to) {
			logging.Warn(ctx, "invalid run transition skipped", "run_id", runID, "from", string(current), "to", string(to))
			return nil
		}
		now := s.clock.Now()
		set := `status = ?`
		args := []any{to}
		if to == state.RunRunning && current == state.RunCreated {
			set += `, started_at = ?`
			args = append(args, now)
		}
		if state.RunTerminal(to) {
			set += `, completed_at = ?`
			args = append(args, now)
		}
		args = append(args, runID)
		_, err := tx.ExecContext(ctx, `UPDATE runs SET `+set+` WHERE run_id = ?`, args...)
		return err
	})
}

// SetRunFailure records the structured failure on the run row. Status is
// still changed only via UpdateRunStatus.
func (s *Store) SetRunFailure(ctx context.Context, runID, code, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET failure_code = ?, failure_reason = ? WHERE run_id = ?`,
		code, reason, runID)
	return err
}

// SetRunPlan persists the execution plan built at run start.
func (s *Store) SetRunPlan(ctx context.Context, runID, planJSON string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET execution_plan_json = ? WHERE run_id = ?`, planJSON, runID)
	return err
}

// SetRunProposal persists the trade proposal produced by the proposal node.
func (s *Store) SetRunProposal(ctx context.Context, runID, proposalJSON string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET trade_proposal_json = ? WHERE run_id = ?`, proposalJSON, runID)
	return err
}

// SetRunLockedProduct sets locked_product_id once; it is immutable after.
func (s *Store) SetRunLockedProduct(ctx context.Context, runID, productID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET locked_product_id = ? WHERE run_id = ? AND (locked_product_id IS NULL OR locked_product_id = '')`,
		productID, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("locked_product_id already set for %s", runID)
	}
	return nil
}

// UpdateRunTelemetry upserts the per-run progress row.
func (s *Store) UpdateRunTelemetry(ctx context.Context, runID string, nodeCount, completed int, lastNode string, elapsed time.Duration) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO run_telemetry (run_id, node_count, completed_nodes, last_node, elapsed_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET node_count = excluded.node_count,
			completed_nodes = excluded.completed_nodes, last_node = excluded.last_node,
			elapsed_ms = excluded.elapsed_ms, updated_at = excluded.updated_at`,
		runID, nodeCount, completed, nullStr(lastNode), elapsed.Milliseconds(), s.clock.Now())
	return err
}

// CreateNode inserts a dag_nodes row in RUNNING state and returns it.
func (s *Store) CreateNode(ctx context.Context, runID, name string) (*DagNode, error) {
	now := s.clock.Now()
	node := &DagNode{
		NodeID:    ids.New(ids.PrefixNode),
		RunID:     runID,
		Name:      name,
		Status:    state.NodeRunning,
		StartedAt: &now,
	}
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO dag_nodes
			(node_id, run_id, name, status, started_at) VALUES (?, ?, ?, ?, ?)`,
			node.NodeID, runID, name, node.Status, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// FinishNode records the node's terminal status with outputs or error.
func (s *Store) FinishNode(ctx context.Context, nodeID string, status state.NodeStatus, outputsJSON, errorJSON string) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		var current state.NodeStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM dag_nodes WHERE node_id = ?`, nodeID).Scan(&current); err != nil {
			return err
		}
		if !state.ValidNodeTransition(current, status) {
			return fmt.Errorf("invalid node transition %s → %s", current, status)
		}
		_, err := tx.ExecContext(ctx, `UPDATE dag_nodes SET status = ?, completed_at = ?,
			outputs_json = ?, error_json = ? WHERE node_id = ?`,
			status, s.clock.Now(), nullStr(outputsJSON), nullStr(errorJSON), nodeID)
		return err
	})
}

// GetNodeByName returns the most recent node row with name on the run, or
// nil when none exists.
func (s *Store) GetNodeByName(ctx context.Context, runID, name string) (*DagNode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT node_id, run_id, name, status, started_at,
		completed_at, inputs_json, outputs_json, error_json FROM dag_nodes
		WHERE run_id = ? AND name = ? ORDER BY started_at DESC LIMIT 1`, runID, name)
	var n DagNode
	err := scanNode(row, &n)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ListNodes returns a run's nodes in start order.
func (s *Store) ListNodes(ctx context.Context, runID string) ([]*DagNode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node_id, run_id, name, status, started_at,
		completed_at, inputs_json, outputs_json, error_json FROM dag_nodes
		WHERE run_id = ? ORDER BY started_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var nodes []*DagNode
	for rows.Next() {
		var n DagNode
		if err := scanNode(rows, &n); err != nil {
			return nil, err
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

// TenantKillSwitch reports the tenant's kill switch. Unknown tenants default
// to enabled trading.
func (s *Store) TenantKillSwitch(ctx context.Context, tenantID string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx,
		`SELECT kill_switch_enabled FROM tenants WHERE tenant_id = ?`, tenantID).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return enabled, err
}

// SetTenantKillSwitch upserts the tenant kill switch.
func (s *Store) SetTenantKillSwitch(ctx context.Context, tenantID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO tenants (tenant_id, kill_switch_enabled)
		VALUES (?, ?) ON CONFLICT(tenant_id) DO UPDATE SET kill_switch_enabled = excluded.kill_switch_enabled`,
		tenantID, enabled)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRun(row rowScanner, r *Run) error {
	var (
		sourceRunID, conversationID, commandText  sql.NullString
		parsedIntent, plan, proposal, metadata    sql.NullString
		failureReason, failureCode, lockedProduct sql.NullString
		startedAt, completedAt                    sql.NullTime
	)
	if err := row.Scan(&r.RunID, &r.TenantID, &r.Status, &r.ExecutionMode, &sourceRunID,
		&r.TraceID, &conversationID, &r.CreatedAt, &startedAt, &completedAt, &commandText,
		&parsedIntent, &plan, &proposal, &metadata, &failureReason, &failureCode,
		&lockedProduct, &r.TradabilityVerified, &r.NewsEnabled, &r.AssetClass); err != nil {
		return err
	}
	r.SourceRunID = strPtr(sourceRunID)
	r.ConversationID = strPtr(conversationID)
	r.CommandText = strPtr(commandText)
	r.ParsedIntentJSON = strPtr(parsedIntent)
	r.ExecutionPlanJSON = strPtr(plan)
	r.TradeProposalJSON = strPtr(proposal)
	r.MetadataJSON = strPtr(metadata)
	r.FailureReason = strPtr(failureReason)
	r.FailureCode = strPtr(failureCode)
	r.LockedProductID = strPtr(lockedProduct)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CreatedAt = r.CreatedAt.UTC()
	return nil
}

func scanNode(row rowScanner, n *DagNode) error {
	var (
		startedAt, completedAt    sql.NullTime
		inputs, outputs, errorRow sql.NullString
	)
	if err := row.Scan(&n.NodeID, &n.RunID, &n.Name, &n.Status, &startedAt, &completedAt,
		&inputs, &outputs, &errorRow); err != nil {
		return err
	}
	n.StartedAt = timePtr(startedAt)
	n.CompletedAt = timePtr(completedAt)
	n.InputsJSON = strPtr(inputs)
	n.OutputsJSON = strPtr(outputs)
	n.ErrorJSON = strPtr(errorRow)
	return nil
}
