package store

import (
	"context"
	"database/sql"
	"time"

	"tradeloop/internal/ids"
)

// RunEvent is one append-only entry in a run's event log. Events are totally
// ordered by TS within a run (the monotonic clock guarantees no ties).
type RunEvent struct {
	EventID     string
	RunID       string
	TenantID    string
	EventType   string
	PayloadJSON string
	TS          time.Time
}

// AppendRunEvent inserts an event row and returns it. Rows are never updated
// or deleted outside run cascade.
func (s *Store) AppendRunEvent(ctx context.Context, runID, tenantID, eventType, payloadJSON string) (*RunEvent, error) {
	event := &RunEvent{
		EventID:     ids.New(ids.PrefixEvent),
		RunID:       runID,
		TenantID:    tenantID,
		EventType:   eventType,
		PayloadJSON: payloadJSON,
		TS:          s.clock.Now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (event_id, run_id, tenant_id, event_type, payload_json, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, runID, tenantID, eventType, nullStr(payloadJSON), event.TS)
	if err != nil {
		return nil, err
	}
	return event, nil
}

// ListRunEvents returns a run's events in ts order.
func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]*RunEvent, error) {
	var events []*RunEvent
	err := ReadRetry(ctx, 3, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT event_id, run_id, tenant_id, event_type, payload_json, ts
			 FROM run_events WHERE run_id = ? ORDER BY ts`, runID)
		if err != nil {
			return err
		}
		defer rows.Close()
		events = events[:0]
		for rows.Next() {
			var (
				e       RunEvent
				payload sql.NullString
			)
			if err := rows.Scan(&e.EventID, &e.RunID, &e.TenantID, &e.EventType, &payload, &e.TS); err != nil {
				return err
			}
			e.PayloadJSON = strPtr(payload)
			e.TS = e.TS.UTC()
			events = append(events, &e)
		}
		return rows.Err()
	})
	return events, err
}
