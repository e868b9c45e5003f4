// Package bus is the run event log plus in-process fan-out. Every emit
// appends an append-only run_events row first, then publishes to live
// subscribers, so history replay followed by live tail never loses events.
package bus

import (
	"context"
	"encoding/json"
	"sync"

	"tradeloop/internal/logging"
	"tradeloop/internal/store"
)

// Event types emitted over a run's lifetime.
const (
	EventRunCreated        = "RUN_CREATED"
	EventRunStarted        = "RUN_STARTED"
	EventPlanCreated       = "PLAN_CREATED"
	EventRunStatus         = "RUN_STATUS"
	EventStepStarted       = "STEP_STARTED"
	EventStepCompleted     = "STEP_COMPLETED"
	EventStepFailed        = "STEP_FAILED"
	EventNodeStarted       = "NODE_STARTED"
	EventNodeFinished      = "NODE_FINISHED"
	EventPolicyDecision    = "POLICY_DECISION"
	EventApprovalRequired  = "APPROVAL_REQUIRED"
	EventApprovalRequested = "APPROVAL_REQUESTED"
	EventApprovalDecision  = "APPROVAL_DECISION"
	EventRunCompleted      = "RUN_COMPLETED"
	EventRunFailed         = "RUN_FAILED"
	// EventRunComplete is the synthetic close marker appended by the SSE
	// gateway; it is never stored in run_events.
	EventRunComplete = "RUN_COMPLETE"
)

type (
	// Sink receives every emitted event after it is durably stored. Used for
	// out-of-process fan-out (redis); in-process SSE subscribers never depend
	// on a sink.
	Sink interface {
		Send(ctx context.Context, event *store.RunEvent) error
		Close(ctx context.Context) error
	}

	// Bus appends events to the store and fans them out to subscribers.
	Bus struct {
		store *store.Store
		sink  Sink

		mu   sync.Mutex
		subs map[string]map[int]chan *store.RunEvent
		next int
	}

	// Subscription is one live tail on a run's events.
	Subscription struct {
		// C delivers events published after Subscribe.
		C <-chan *store.RunEvent

		bus   *Bus
		runID string
		id    int
	}
)

// New builds a Bus over the store. sink may be nil.
func New(s *store.Store, sink Sink) *Bus {
	return &Bus{store: s, sink: sink, subs: make(map[string]map[int]chan *store.RunEvent)}
}

// Emit appends the event to run_events, then publishes it to in-process
// subscribers and the optional sink. payload is marshaled to JSON; a nil
// payload produces an empty object.
func (b *Bus) Emit(ctx context.Context, runID, tenantID, eventType string, payload any) (*store.RunEvent, error) {
	raw := []byte("{}")
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}
	event, err := b.store.AppendRunEvent(ctx, runID, tenantID, eventType, string(raw))
	if err != nil {
		return nil, err
	}
	b.publish(event)
	if b.sink != nil {
		if err := b.sink.Send(ctx, event); err != nil {
			logging.Warn(ctx, "event sink send failed", "run_id", runID, "event_type", eventType)
		}
	}
	return event, nil
}

// Subscribe registers a live tail for runID. The returned channel is buffered;
// a subscriber that stops draining loses only its own events.
func (b *Bus) Subscribe(runID string) *Subscription {
	ch := make(chan *store.RunEvent, 256)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]chan *store.RunEvent)
	}
	b.next++
	id := b.next
	b.subs[runID][id] = ch
	return &Subscription{C: ch, bus: b, runID: runID, id: id}
}

// Close removes the subscription; a run with no subscribers is cleaned up.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if chans, ok := s.bus.subs[s.runID]; ok {
		if ch, ok := chans[s.id]; ok {
			delete(chans, s.id)
			close(ch)
		}
		if len(chans) == 0 {
			delete(s.bus.subs, s.runID)
		}
	}
}

// SubscriberCount reports the live subscriber count for runID.
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}

func (b *Bus) publish(event *store.RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[event.RunID] {
		select {
		case ch <- event:
		default:
			// Slow subscriber: the event is dropped on this channel. It stays
			// in run_events, so a reconnect replays it.
		}
	}
}
