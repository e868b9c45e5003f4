// Package ids generates the prefixed identifiers used across the orchestrator
// and provides the monotonic UTC clock every timestamp column is written with.
package ids

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Prefixes for every identifier family. A prefix is part of the public
// contract: clients validate "conf_" before calling the confirmation
// endpoints, and operators grep logs by prefix.
const (
	PrefixRun          = "run_"
	PrefixConfirmation = "conf_"
	PrefixOrder        = "ord_"
	PrefixNode         = "node_"
	PrefixEvent        = "evt_"
	PrefixSnapshot     = "snap_"
	PrefixBatch        = "batch_"
	PrefixFill         = "fill_"
	PrefixApproval     = "appr_"
	PrefixEval         = "eval_"
	PrefixToolCall     = "tool_"
)

// New returns a fresh identifier with the given prefix. The suffix is a
// hyphen-free UUIDv4 so ids stay URL- and filename-safe.
func New(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id carries the expected prefix and a non-empty
// suffix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && len(id) > len(prefix)
}

// Clock supplies timestamps. The interface exists so replay and tests can pin
// time; production code uses the package-level monotonic clock.
type Clock interface {
	// Now returns the current UTC time, strictly monotonic at microsecond
	// granularity within a process.
	Now() time.Time
}

type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
}

// NewClock returns the production clock. Consecutive calls never return the
// same or an earlier instant, which keeps event ordering by ts total even
// when the wall clock is coarse or steps backwards.
func NewClock() Clock {
	return &monotonicClock{}
}

func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}

// FixedClock is a Clock for tests: it starts at a given instant and advances
// by one millisecond per call.
type FixedClock struct {
	mu   sync.Mutex
	next time.Time
}

// NewFixedClock returns a FixedClock starting at start (UTC).
func NewFixedClock(start time.Time) *FixedClock {
	return &FixedClock{next: start.UTC()}
}

// Now implements Clock.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(time.Millisecond)
	return now
}
