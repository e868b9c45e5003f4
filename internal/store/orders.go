package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tradeloop/internal/ids"
	"tradeloop/internal/state"
)

type (
	// Order is an immutable trade record owned by a run. FILLED rows always
	// carry filled_qty, avg_fill_price and total_fees.
	Order struct {
		OrderID         string
		RunID           string
		TenantID        string
		Provider        string
		Symbol          string
		Side            string
		OrderType       string
		NotionalUSD     float64
		Qty             *float64
		Status          state.OrderStatus
		FilledQty       *float64
		AvgFillPrice    *float64
		TotalFees       *float64
		StatusReason    string
		StatusUpdatedAt *time.Time
		CreatedAt       time.Time
	}

	// Fill is one execution against an order.
	Fill struct {
		FillID   string
		OrderID  string
		Price    float64
		Size     float64
		Fee      float64
		FilledAt time.Time
	}

	// OrderEvent is an append-only order lifecycle record.
	OrderEvent struct {
		EventID     string
		OrderID     string
		EventType   string
		PayloadJSON string
		TS          time.Time
	}

	// PortfolioSnapshot captures balances and positions at a point in a run.
	PortfolioSnapshot struct {
		SnapshotID    string
		RunID         string
		TenantID      string
		BalancesJSON  string
		PositionsJSON string
		TotalValueUSD float64
		TS            time.Time
	}
)

const orderColumns = `order_id, run_id, tenant_id, provider, symbol, side, order_type,
	notional_usd, qty, status, filled_qty, avg_fill_price, total_fees, status_reason,
	status_updated_at, created_at`

// InsertOrder persists a new order row.
func (s *Store) InsertOrder(ctx context.Context, o *Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.clock.Now()
	}
	return s.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.OrderID, o.RunID, o.TenantID, o.Provider, o.Symbol, o.Side, o.OrderType,
			o.NotionalUSD, nullFloat(o.Qty), o.Status, nullFloat(o.FilledQty),
			nullFloat(o.AvgFillPrice), nullFloat(o.TotalFees), nullStr(o.StatusReason),
			nullTime(o.StatusUpdatedAt), o.CreatedAt)
		return err
	})
}

// UpdateOrderStatus advances an order toward a terminal status. Transitions
// out of terminal statuses are rejected.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, to state.OrderStatus, reason string, filledQty, avgPrice, fees *float64) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		var current state.OrderStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE order_id = ?`, orderID).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		if current == to {
			return nil
		}
		if !state.ValidOrderTransition(current, to) {
			return fmt.Errorf("invalid order transition %s → %s", current, to)
		}
		if to == state.OrderFilled && (filledQty == nil || avgPrice == nil || fees == nil) {
			return fmt.Errorf("FILLED requires filled_qty, avg_fill_price and total_fees")
		}
		_, err := tx.ExecContext(ctx, `UPDATE orders SET status = ?, status_reason = ?,
			filled_qty = COALESCE(?, filled_qty), avg_fill_price = COALESCE(?, avg_fill_price),
			total_fees = COALESCE(?, total_fees), status_updated_at = ? WHERE order_id = ?`,
			to, nullStr(reason), nullFloat(filledQty), nullFloat(avgPrice), nullFloat(fees),
			s.clock.Now(), orderID)
		return err
	})
}

// GetOrder loads an order scoped to tenant (empty tenantID for internal use).
func (s *Store) GetOrder(ctx context.Context, tenantID, orderID string) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_id = ?`
	args := []any{orderID}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	var o Order
	err := ReadRetry(ctx, 3, func() error {
		return scanOrder(s.db.QueryRowContext(ctx, query, args...), &o)
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrdersByRun returns a run's orders in creation order.
func (s *Store) ListOrdersByRun(ctx context.Context, runID string) ([]*Order, error) {
	return s.listOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE run_id = ? ORDER BY created_at`, runID)
}

// ListOrdersByTenant returns the tenant's orders, newest first.
func (s *Store) ListOrdersByTenant(ctx context.Context, tenantID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
}

// FindSourceOrder locates the source-run order matching (symbol, side) for
// replay.
func (s *Store) FindSourceOrder(ctx context.Context, sourceRunID, symbol, side string) (*Order, error) {
	var o Order
	err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE run_id = ? AND symbol = ? AND side = ? ORDER BY created_at LIMIT 1`,
		sourceRunID, symbol, side), &o)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// StaleSubmittedOrders returns SUBMITTED orders older than age on the run.
func (s *Store) StaleSubmittedOrders(ctx context.Context, runID string, age time.Duration) ([]string, error) {
	cutoff := s.clock.Now().Add(-age)
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id FROM orders WHERE run_id = ? AND status = 'SUBMITTED' AND created_at < ?`,
		runID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		stale = append(stale, id)
	}
	return stale, rows.Err()
}

// InsertFill records one execution against an order.
func (s *Store) InsertFill(ctx context.Context, f *Fill) error {
	if f.FillID == "" {
		f.FillID = ids.New(ids.PrefixFill)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fills (fill_id, order_id, price, size, fee, filled_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.FillID, f.OrderID, f.Price, f.Size, f.Fee, f.FilledAt)
	return err
}

// ListFills returns an order's fills in execution order.
func (s *Store) ListFills(ctx context.Context, orderID string) ([]*Fill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fill_id, order_id, price, size, fee, filled_at FROM fills WHERE order_id = ? ORDER BY filled_at`,
		orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var fills []*Fill
	for rows.Next() {
		var f Fill
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.Price, &f.Size, &f.Fee, &f.FilledAt); err != nil {
			return nil, err
		}
		f.FilledAt = f.FilledAt.UTC()
		fills = append(fills, &f)
	}
	return fills, rows.Err()
}

// AppendOrderEvent records an order lifecycle event.
func (s *Store) AppendOrderEvent(ctx context.Context, orderID, eventType, payloadJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO order_events (event_id, order_id, event_type, payload_json, ts) VALUES (?, ?, ?, ?, ?)`,
		ids.New(ids.PrefixEvent), orderID, eventType, nullStr(payloadJSON), s.clock.Now())
	return err
}

// ListOrderEvents returns an order's events in ts order.
func (s *Store) ListOrderEvents(ctx context.Context, orderID string) ([]*OrderEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, order_id, event_type, payload_json, ts FROM order_events WHERE order_id = ? ORDER BY ts`,
		orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []*OrderEvent
	for rows.Next() {
		var (
			e       OrderEvent
			payload sql.NullString
		)
		if err := rows.Scan(&e.EventID, &e.OrderID, &e.EventType, &payload, &e.TS); err != nil {
			return nil, err
		}
		e.PayloadJSON = strPtr(payload)
		e.TS = e.TS.UTC()
		events = append(events, &e)
	}
	return events, rows.Err()
}

// InsertSnapshot records a portfolio snapshot.
func (s *Store) InsertSnapshot(ctx context.Context, snap *PortfolioSnapshot) error {
	if snap.SnapshotID == "" {
		snap.SnapshotID = ids.New(ids.PrefixSnapshot)
	}
	if snap.TS.IsZero() {
		snap.TS = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO portfolio_snapshots
		(snapshot_id, run_id, tenant_id, balances_json, positions_json, total_value_usd, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, nullStr(snap.RunID), snap.TenantID, snap.BalancesJSON,
		snap.PositionsJSON, snap.TotalValueUSD, snap.TS)
	return err
}

// ListSnapshots returns a run's snapshots in ts order.
func (s *Store) ListSnapshots(ctx context.Context, runID string) ([]*PortfolioSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot_id, run_id, tenant_id, balances_json,
		positions_json, total_value_usd, ts FROM portfolio_snapshots WHERE run_id = ? ORDER BY ts`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var snaps []*PortfolioSnapshot
	for rows.Next() {
		var (
			snap  PortfolioSnapshot
			runID sql.NullString
		)
		if err := rows.Scan(&snap.SnapshotID, &runID, &snap.TenantID, &snap.BalancesJSON,
			&snap.PositionsJSON, &snap.TotalValueUSD, &snap.TS); err != nil {
			return nil, err
		}
		snap.RunID = strPtr(runID)
		snap.TS = snap.TS.UTC()
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// GetPaperBalance returns the tenant's simulated balance for asset.
func (s *Store) GetPaperBalance(ctx context.Context, tenantID, asset string) (float64, error) {
	var amount float64
	err := s.db.QueryRowContext(ctx,
		`SELECT amount FROM paper_balances WHERE tenant_id = ? AND asset = ?`, tenantID, asset).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return amount, err
}

// AdjustPaperBalance applies a delta to the tenant's simulated balance.
func (s *Store) AdjustPaperBalance(ctx context.Context, tenantID, asset string, delta float64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO paper_balances (tenant_id, asset, amount)
		VALUES (?, ?, ?) ON CONFLICT(tenant_id, asset) DO UPDATE SET amount = amount + excluded.amount`,
		tenantID, asset, delta)
	return err
}

// ListPaperBalances returns every simulated balance for the tenant.
func (s *Store) ListPaperBalances(ctx context.Context, tenantID string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset, amount FROM paper_balances WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	balances := make(map[string]float64)
	for rows.Next() {
		var (
			asset  string
			amount float64
		)
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, err
		}
		balances[asset] = amount
	}
	return balances, rows.Err()
}

func (s *Store) listOrders(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orders []*Order
	for rows.Next() {
		var o Order
		if err := scanOrder(rows, &o); err != nil {
			return nil, err
		}
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

func scanOrder(row rowScanner, o *Order) error {
	var (
		qty, filledQty, avgPrice, fees sql.NullFloat64
		reason                         sql.NullString
		statusUpdated                  sql.NullTime
	)
	if err := row.Scan(&o.OrderID, &o.RunID, &o.TenantID, &o.Provider, &o.Symbol, &o.Side,
		&o.OrderType, &o.NotionalUSD, &qty, &o.Status, &filledQty, &avgPrice, &fees,
		&reason, &statusUpdated, &o.CreatedAt); err != nil {
		return err
	}
	o.Qty = floatPtr(qty)
	o.FilledQty = floatPtr(filledQty)
	o.AvgFillPrice = floatPtr(avgPrice)
	o.TotalFees = floatPtr(fees)
	o.StatusReason = strPtr(reason)
	o.StatusUpdatedAt = timePtr(statusUpdated)
	o.CreatedAt = o.CreatedAt.UTC()
	return nil
}
