package store

import (
	"context"
	"database/sql"
	"time"

	"tradeloop/internal/ids"
)

type (
	// CandlesBatch is the persisted result of one candle fetch. It is the
	// sole source of truth for replay.
	CandlesBatch struct {
		BatchID         string
		RunID           string
		Symbol          string
		Window          string
		CandlesJSON     string
		QueryParamsJSON string
		TS              time.Time
	}

	// ToolCall audits one external call made on behalf of a run.
	ToolCall struct {
		ID           string
		RunID        string
		NodeID       string
		ToolName     string
		RequestJSON  string
		ResponseJSON string
		Status       string
		ErrorText    string
		TS           time.Time
	}

	// NewsItem is one ingested headline for a symbol. The ingestion pipeline
	// is external; the orchestrator only reads this table.
	NewsItem struct {
		ID          int64
		Symbol      string
		Title       string
		Source      string
		URL         string
		PublishedAt time.Time
	}
)

// InsertCandlesBatch persists one candle fetch result keyed by run.
func (s *Store) InsertCandlesBatch(ctx context.Context, b *CandlesBatch) error {
	if b.BatchID == "" {
		b.BatchID = ids.New(ids.PrefixBatch)
	}
	if b.TS.IsZero() {
		b.TS = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO market_candles_batches
		(batch_id, run_id, symbol, window, candles_json, query_params_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.BatchID, b.RunID, b.Symbol, b.Window, b.CandlesJSON, nullStr(b.QueryParamsJSON), b.TS)
	return err
}

// ListCandlesBatches returns the run's candle batches, optionally filtered by
// symbol.
func (s *Store) ListCandlesBatches(ctx context.Context, runID, symbol string) ([]*CandlesBatch, error) {
	query := `SELECT batch_id, run_id, symbol, window, candles_json, query_params_json, ts
		FROM market_candles_batches WHERE run_id = ?`
	args := []any{runID}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY ts`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var batches []*CandlesBatch
	for rows.Next() {
		var (
			b      CandlesBatch
			params sql.NullString
		)
		if err := rows.Scan(&b.BatchID, &b.RunID, &b.Symbol, &b.Window, &b.CandlesJSON, &params, &b.TS); err != nil {
			return nil, err
		}
		b.QueryParamsJSON = strPtr(params)
		b.TS = b.TS.UTC()
		batches = append(batches, &b)
	}
	return batches, rows.Err()
}

// RecordToolCall audits an external call. Response and error may be filled in
// by a later UpdateToolCall.
func (s *Store) RecordToolCall(ctx context.Context, tc *ToolCall) error {
	if tc.ID == "" {
		tc.ID = ids.New(ids.PrefixToolCall)
	}
	if tc.TS.IsZero() {
		tc.TS = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tool_calls
		(id, run_id, node_id, tool_name, request_json, response_json, status, error_text, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.RunID, nullStr(tc.NodeID), tc.ToolName, nullStr(tc.RequestJSON),
		nullStr(tc.ResponseJSON), tc.Status, nullStr(tc.ErrorText), tc.TS)
	return err
}

// UpdateToolCall completes an audited call with its response or error.
func (s *Store) UpdateToolCall(ctx context.Context, id, status, responseJSON, errorText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls SET status = ?, response_json = ?, error_text = ? WHERE id = ?`,
		status, nullStr(responseJSON), nullStr(errorText), id)
	return err
}

// ListToolCalls returns the run's tool calls in ts order.
func (s *Store) ListToolCalls(ctx context.Context, runID string) ([]*ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, node_id, tool_name, request_json,
		response_json, status, error_text, ts FROM tool_calls WHERE run_id = ? ORDER BY ts`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var calls []*ToolCall
	for rows.Next() {
		var (
			tc                        ToolCall
			nodeID, req, resp, errTxt sql.NullString
		)
		if err := rows.Scan(&tc.ID, &tc.RunID, &nodeID, &tc.ToolName, &req, &resp, &tc.Status, &errTxt, &tc.TS); err != nil {
			return nil, err
		}
		tc.NodeID = strPtr(nodeID)
		tc.RequestJSON = strPtr(req)
		tc.ResponseJSON = strPtr(resp)
		tc.ErrorText = strPtr(errTxt)
		tc.TS = tc.TS.UTC()
		calls = append(calls, &tc)
	}
	return calls, rows.Err()
}

// PutRankings stores the signals node ranking evidence for the run.
func (s *Store) PutRankings(ctx context.Context, runID, rankingsJSON string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO run_rankings (run_id, rankings_json, ts)
		VALUES (?, ?, ?) ON CONFLICT(run_id) DO UPDATE SET
			rankings_json = excluded.rankings_json, ts = excluded.ts`,
		runID, rankingsJSON, s.clock.Now())
	return err
}

// GetRankings returns the run's ranking evidence, or ErrNotFound.
func (s *Store) GetRankings(ctx context.Context, runID string) (string, error) {
	var rankings string
	err := s.db.QueryRowContext(ctx,
		`SELECT rankings_json FROM run_rankings WHERE run_id = ?`, runID).Scan(&rankings)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return rankings, err
}

// InsertNewsEvidence freezes one news item used by a run.
func (s *Store) InsertNewsEvidence(ctx context.Context, runID, symbol, itemJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_news_evidence (run_id, symbol, item_json, ts) VALUES (?, ?, ?, ?)`,
		runID, symbol, itemJSON, s.clock.Now())
	return err
}

// ListNewsEvidence returns the frozen news items of a run for a symbol.
func (s *Store) ListNewsEvidence(ctx context.Context, runID, symbol string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_json FROM run_news_evidence WHERE run_id = ? AND symbol = ? ORDER BY ts`,
		runID, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// InsertNewsItem seeds the ingestion table (used by tests and fixtures).
func (s *Store) InsertNewsItem(ctx context.Context, item *NewsItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO news_items (symbol, title, source, url, published_at) VALUES (?, ?, ?, ?, ?)`,
		item.Symbol, item.Title, nullStr(item.Source), nullStr(item.URL), item.PublishedAt)
	return err
}

// ListNewsItems returns headlines for symbol published after since.
func (s *Store) ListNewsItems(ctx context.Context, symbol string, since time.Time) ([]*NewsItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, symbol, title, source, url, published_at
		FROM news_items WHERE symbol = ? AND published_at >= ? ORDER BY published_at DESC`,
		symbol, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*NewsItem
	for rows.Next() {
		var (
			item        NewsItem
			source, url sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.Symbol, &item.Title, &source, &url, &item.PublishedAt); err != nil {
			return nil, err
		}
		item.Source = strPtr(source)
		item.URL = strPtr(url)
		item.PublishedAt = item.PublishedAt.UTC()
		items = append(items, &item)
	}
	return items, rows.Err()
}
