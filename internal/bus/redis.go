package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"tradeloop/internal/store"
)

// RedisSink publishes stored run events to a redis stream per run
// (`run/<run_id>`), so multi-process deployments can tail runs without
// sharing the in-process bus. The durable run_events table remains the source
// of truth; this stream is a notification channel only.
type RedisSink struct {
	client *redis.Client
	maxLen int64
}

// envelope is the wire form written to the stream.
type envelope struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	TenantID  string    `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload,omitempty"`
}

// NewRedisSink connects to redisURL and returns a sink. Streams are capped at
// 1024 entries; consumers needing full history read run_events.
func NewRedisSink(ctx context.Context, redisURL string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisSink{client: client, maxLen: 1024}, nil
}

// Send implements Sink.
func (s *RedisSink) Send(ctx context.Context, event *store.RunEvent) error {
	env := envelope{
		Type:      event.EventType,
		RunID:     event.RunID,
		TenantID:  event.TenantID,
		Timestamp: event.TS,
		Payload:   event.PayloadJSON,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "run/" + event.RunID,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"event": raw},
	}).Err()
}

// Close implements Sink.
func (s *RedisSink) Close(context.Context) error {
	return s.client.Close()
}
