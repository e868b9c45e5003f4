package store

import (
	"context"
	"database/sql"
	"time"

	"tradeloop/internal/state"
)

// Confirmation is a user-approved intent to execute a trade, bound to at most
// one run via the atomic PENDING → CONFIRMED transition.
type Confirmation struct {
	ConfirmationID  string
	TenantID        string
	ConversationID  string
	UserID          string
	ProposalJSON    string
	InsightJSON     string
	Mode            state.ExecutionMode
	Status          state.ConfirmationStatus
	RunID           string
	LockedProductID string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

const confirmationColumns = `confirmation_id, tenant_id, conversation_id, user_id,
	proposal_json, insight_json, mode, status, run_id, locked_product_id, created_at, expires_at`

// CreatePendingConfirmation persists a new PENDING confirmation with its TTL.
func (s *Store) CreatePendingConfirmation(ctx context.Context, c *Confirmation) error {
	if c.Status == "" {
		c.Status = state.ConfirmationPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock.Now()
	}
	return s.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO trade_confirmations (`+confirmationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ConfirmationID, c.TenantID, nullStr(c.ConversationID), c.UserID,
			c.ProposalJSON, nullStr(c.InsightJSON), c.Mode, c.Status,
			nullStr(c.RunID), nullStr(c.LockedProductID), c.CreatedAt, c.ExpiresAt)
		return err
	})
}

// GetConfirmation loads a confirmation scoped to tenant.
func (s *Store) GetConfirmation(ctx context.Context, tenantID, id string) (*Confirmation, error) {
	var c Confirmation
	err := ReadRetry(ctx, 3, func() error {
		return scanConfirmation(s.db.QueryRowContext(ctx,
			`SELECT `+confirmationColumns+` FROM trade_confirmations
			 WHERE confirmation_id = ? AND tenant_id = ?`, id, tenantID), &c)
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// MarkConfirmed performs the single-use guard: a conditional UPDATE gated on
// status = PENDING. Exactly one concurrent caller observes won=true; the
// winner also binds run_id in the same statement.
func (s *Store) MarkConfirmed(ctx context.Context, tenantID, id, runID string) (won bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trade_confirmations SET status = 'CONFIRMED', run_id = ?
		 WHERE confirmation_id = ? AND tenant_id = ? AND status = 'PENDING'`,
		runID, id, tenantID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkConfirmationStatus moves a PENDING confirmation to a terminal status
// other than CONFIRMED (CANCELLED or EXPIRED). Idempotent on terminal rows.
func (s *Store) MarkConfirmationStatus(ctx context.Context, tenantID, id string, to state.ConfirmationStatus) (won bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trade_confirmations SET status = ?
		 WHERE confirmation_id = ? AND tenant_id = ? AND status = 'PENDING'`,
		to, id, tenantID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func scanConfirmation(row rowScanner, c *Confirmation) error {
	var conversationID, insight, runID, locked sql.NullString
	if err := row.Scan(&c.ConfirmationID, &c.TenantID, &conversationID, &c.UserID,
		&c.ProposalJSON, &insight, &c.Mode, &c.Status, &runID, &locked,
		&c.CreatedAt, &c.ExpiresAt); err != nil {
		return err
	}
	c.ConversationID = strPtr(conversationID)
	c.InsightJSON = strPtr(insight)
	c.RunID = strPtr(runID)
	c.LockedProductID = strPtr(locked)
	c.CreatedAt = c.CreatedAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	return nil
}
