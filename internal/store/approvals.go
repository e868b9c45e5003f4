package store

import (
	"context"
	"database/sql"
	"time"

	"tradeloop/internal/ids"
)

type (
	// Approval tracks a human decision required before execution proceeds.
	Approval struct {
		ApprovalID string
		RunID      string
		TenantID   string
		Status     string // PENDING | COMPLETED
		Decision   string // APPROVED | REJECTED, empty while pending
		DecidedBy  string
		DecidedAt  *time.Time
		CreatedAt  time.Time
	}

	// EvalResult is one scored post-run evaluation row.
	EvalResult struct {
		EvalID         string
		RunID          string
		TenantID       string
		ConversationID string
		EvalName       string
		Score          float64
		ReasonsJSON    string
		StepName       string
		EvalCategory   string
		EvaluatorType  string
		ThresholdsJSON string
		TS             time.Time
	}
)

// CreateApproval inserts a PENDING approval for the run.
func (s *Store) CreateApproval(ctx context.Context, runID, tenantID string) (*Approval, error) {
	a := &Approval{
		ApprovalID: ids.New(ids.PrefixApproval),
		RunID:      runID,
		TenantID:   tenantID,
		Status:     "PENDING",
		CreatedAt:  s.clock.Now(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO approvals
		(approval_id, run_id, tenant_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ApprovalID, runID, tenantID, a.Status, a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// DecideApproval completes a PENDING approval. The conditional update makes
// a second decision on the same approval a conflict, reported as won=false.
func (s *Store) DecideApproval(ctx context.Context, tenantID, approvalID, decision, decidedBy string) (won bool, err error) {
	res, err := s.db.ExecContext(ctx, `UPDATE approvals SET status = 'COMPLETED',
		decision = ?, decided_by = ?, decided_at = ?
		WHERE approval_id = ? AND tenant_id = ? AND status = 'PENDING'`,
		decision, decidedBy, s.clock.Now(), approvalID, tenantID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// GetApproval loads an approval scoped to tenant.
func (s *Store) GetApproval(ctx context.Context, tenantID, approvalID string) (*Approval, error) {
	var a Approval
	err := scanApproval(s.db.QueryRowContext(ctx, `SELECT approval_id, run_id, tenant_id,
		status, decision, decided_by, decided_at, created_at FROM approvals
		WHERE approval_id = ? AND tenant_id = ?`, approvalID, tenantID), &a)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// LatestApproval returns the most recent approval on the run, or nil.
func (s *Store) LatestApproval(ctx context.Context, runID string) (*Approval, error) {
	var a Approval
	err := scanApproval(s.db.QueryRowContext(ctx, `SELECT approval_id, run_id, tenant_id,
		status, decision, decided_by, decided_at, created_at FROM approvals
		WHERE run_id = ? ORDER BY created_at DESC LIMIT 1`, runID), &a)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListApprovals returns a run's approvals in creation order.
func (s *Store) ListApprovals(ctx context.Context, runID string) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT approval_id, run_id, tenant_id, status,
		decision, decided_by, decided_at, created_at FROM approvals
		WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var approvals []*Approval
	for rows.Next() {
		var a Approval
		if err := scanApproval(rows, &a); err != nil {
			return nil, err
		}
		approvals = append(approvals, &a)
	}
	return approvals, rows.Err()
}

// InsertEvalResult records one scored evaluation row.
func (s *Store) InsertEvalResult(ctx context.Context, e *EvalResult) error {
	if e.EvalID == "" {
		e.EvalID = ids.New(ids.PrefixEval)
	}
	if e.TS.IsZero() {
		e.TS = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO eval_results
		(eval_id, run_id, tenant_id, conversation_id, eval_name, score, reasons_json,
		 step_name, eval_category, evaluator_type, thresholds_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EvalID, e.RunID, e.TenantID, nullStr(e.ConversationID), e.EvalName, e.Score,
		nullStr(e.ReasonsJSON), nullStr(e.StepName), e.EvalCategory, e.EvaluatorType,
		nullStr(e.ThresholdsJSON), e.TS)
	return err
}

// ListEvalResults returns a run's eval rows in ts order.
func (s *Store) ListEvalResults(ctx context.Context, runID string) ([]*EvalResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT eval_id, run_id, tenant_id, conversation_id,
		eval_name, score, reasons_json, step_name, eval_category, evaluator_type,
		thresholds_json, ts FROM eval_results WHERE run_id = ? ORDER BY ts`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []*EvalResult
	for rows.Next() {
		var (
			e                                         EvalResult
			conversationID, reasons, step, thresholds sql.NullString
		)
		if err := rows.Scan(&e.EvalID, &e.RunID, &e.TenantID, &conversationID, &e.EvalName,
			&e.Score, &reasons, &step, &e.EvalCategory, &e.EvaluatorType, &thresholds, &e.TS); err != nil {
			return nil, err
		}
		e.ConversationID = strPtr(conversationID)
		e.ReasonsJSON = strPtr(reasons)
		e.StepName = strPtr(step)
		e.ThresholdsJSON = strPtr(thresholds)
		e.TS = e.TS.UTC()
		results = append(results, &e)
	}
	return results, rows.Err()
}

func scanApproval(row rowScanner, a *Approval) error {
	var (
		decision, decidedBy sql.NullString
		decidedAt           sql.NullTime
	)
	if err := row.Scan(&a.ApprovalID, &a.RunID, &a.TenantID, &a.Status, &decision,
		&decidedBy, &decidedAt, &a.CreatedAt); err != nil {
		return err
	}
	a.Decision = strPtr(decision)
	a.DecidedBy = strPtr(decidedBy)
	a.DecidedAt = timePtr(decidedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	return nil
}
