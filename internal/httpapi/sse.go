package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"tradeloop/internal/bus"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
	"tradeloop/internal/telemetry"
)

// sseTracker enforces the per-user concurrent connection cap. Connections
// heartbeat their entry; entries idle past staleAfter are pruned before the
// cap is applied, so a crashed client never pins a slot forever.
type sseTracker struct {
	mu         sync.Mutex
	max        int
	staleAfter time.Duration
	conns      map[string]map[int]time.Time
	next       int
}

func newSSETracker(max int, staleAfter time.Duration) *sseTracker {
	return &sseTracker{max: max, staleAfter: staleAfter, conns: make(map[string]map[int]time.Time)}
}

func (t *sseTracker) acquire(userID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for id, seen := range t.conns[userID] {
		if now.Sub(seen) > t.staleAfter {
			delete(t.conns[userID], id)
		}
	}
	if len(t.conns[userID]) >= t.max {
		return 0, false
	}
	if t.conns[userID] == nil {
		t.conns[userID] = make(map[int]time.Time)
	}
	t.next++
	t.conns[userID][t.next] = now
	return t.next, true
}

func (t *sseTracker) heartbeat(userID string, id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.conns[userID]; ok {
		if _, ok := m[id]; ok {
			m[id] = time.Now()
		}
	}
}

func (t *sseTracker) release(userID string, id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.conns[userID]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(t.conns, userID)
		}
	}
}

// handleRunEvents streams a run's event log over SSE: full history replay in
// ts order first, then the live tail, closed by a synthetic RUN_COMPLETE once
// the run is terminal. A 1s heartbeat comment keeps proxies from cutting the
// stream.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := claimsFrom(ctx)
	runID := chi.URLParam(r, "id")

	run, err := s.store.GetRun(ctx, claims.TenantID, runID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	connID, ok := s.sse.acquire(claims.UserID)
	if !ok {
		rateLimitHandler(w, r)
		return
	}
	defer s.sse.release(claims.UserID, connID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming unsupported", "")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	telemetry.SSEConnections.Inc()
	defer telemetry.SSEConnections.Dec()

	// Subscribe before replay so no event falls between history and tail;
	// duplicates are filtered by event id.
	sub := s.bus.Subscribe(runID)
	defer sub.Close()

	seen := make(map[string]bool)
	history, err := s.store.ListRunEvents(ctx, runID)
	if err != nil {
		return
	}
	for _, e := range history {
		writeSSEEvent(w, e)
		seen[e.EventID] = true
	}
	flusher.Flush()

	if state.RunTerminal(run.Status) {
		writeSSEClose(w, runID, run.Status)
		flusher.Flush()
		return
	}

	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			s.sse.heartbeat(claims.UserID, connID)
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case e, open := <-sub.C:
			if !open {
				return
			}
			if seen[e.EventID] {
				continue
			}
			seen[e.EventID] = true
			writeSSEEvent(w, e)
			flusher.Flush()
			if e.EventType == bus.EventRunCompleted || e.EventType == bus.EventRunFailed {
				status := state.RunCompleted
				if e.EventType == bus.EventRunFailed {
					status = state.RunFailed
				}
				writeSSEClose(w, runID, status)
				flusher.Flush()
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e *store.RunEvent) {
	data, _ := json.Marshal(map[string]any{
		"event_id":   e.EventID,
		"run_id":     e.RunID,
		"event_type": e.EventType,
		"payload":    rawOrNull(e.PayloadJSON),
		"ts":         e.TS,
	})
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.EventType, data)
}

// writeSSEClose emits the synthetic terminal marker; it is never stored in
// run_events.
func writeSSEClose(w http.ResponseWriter, runID string, status state.RunStatus) {
	data, _ := json.Marshal(map[string]any{
		"run_id": runID, "event_type": bus.EventRunComplete, "status": status,
	})
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", bus.EventRunComplete, data)
}
