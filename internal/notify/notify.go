// Package notify delivers run-failure notifications to an operator channel.
// Delivery is best effort; a failed notification is logged and dropped, never
// retried into the run's critical path.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tradeloop/internal/logging"
)

// Notifier receives terminal run failures.
type Notifier interface {
	NotifyRunFailure(ctx context.Context, runID, code, reason string)
}

// Noop discards all notifications.
type Noop struct{}

// NotifyRunFailure implements Notifier.
func (Noop) NotifyRunFailure(context.Context, string, string, string) {}

// Pushover posts failures to the Pushover message API.
type Pushover struct {
	token  string
	user   string
	client *http.Client
	base   string
}

// NewPushover builds a Pushover notifier.
func NewPushover(token, user string) *Pushover {
	return &Pushover{
		token:  token,
		user:   user,
		client: &http.Client{Timeout: 10 * time.Second},
		base:   "https://api.pushover.net/1/messages.json",
	}
}

// SetBaseURL overrides the message API endpoint. Used by tests.
func (p *Pushover) SetBaseURL(base string) { p.base = base }

// NotifyRunFailure implements Notifier.
func (p *Pushover) NotifyRunFailure(ctx context.Context, runID, code, reason string) {
	form := url.Values{
		"token":   {p.token},
		"user":    {p.user},
		"title":   {fmt.Sprintf("run failed: %s", code)},
		"message": {fmt.Sprintf("%s: %s", runID, logging.Redact(reason))},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base, strings.NewReader(form.Encode()))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.client.Do(req)
	if err != nil {
		logging.Warn(ctx, "failure notification not delivered", "run_id", runID, "err", err.Error())
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		logging.Warn(ctx, "failure notification rejected", "run_id", runID, "status", resp.StatusCode)
	}
}
