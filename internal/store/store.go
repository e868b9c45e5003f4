// Package store provides scoped, crash-safe access to all persistent state.
// It wraps a single sqlite database opened in WAL mode with foreign keys
// enforced and a 30 second busy timeout, and layers busy-retry, migrations,
// and schema validation on top.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tradeloop/internal/ids"
	"tradeloop/internal/logging"
)

// ErrNotFound is returned by lookups that match no row within the tenant.
var ErrNotFound = errors.New("not found")

// busyRetry tuning for reads hitting "database is locked".
const (
	busyBase = 100 * time.Millisecond
	busyCap  = 2 * time.Second
)

// canonicalPath pins the first database path resolved in this process.
// Opening a second store against a different path is a wiring bug and fails
// fast rather than splitting state across files.
var (
	canonicalMu   sync.Mutex
	canonicalPath string
)

// Store is the shared persistence layer. All repositories hang off it so a
// unit of work can share one transaction.
type Store struct {
	db    *sql.DB
	clock ids.Clock
	path  string
}

// Open resolves path to its canonical absolute form, opens the database with
// WAL journaling, foreign-key enforcement and a 30s busy timeout, and runs
// pending migrations.
func Open(ctx context.Context, path string, clock ids.Clock) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	canonicalMu.Lock()
	if canonicalPath == "" {
		canonicalPath = abs
	} else if canonicalPath != abs {
		canonicalMu.Unlock()
		return nil, fmt.Errorf("database path %q conflicts with canonical path %q", abs, canonicalPath)
	}
	canonicalMu.Unlock()

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=30000&_foreign_keys=on", url.PathEscape(abs))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite serializes writers; a single connection avoids lock churn
	// between the API and the background runners.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, clock: clock, path: abs}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ResetCanonicalPath clears the process-wide canonical path pin. Test-only.
func ResetCanonicalPath() {
	canonicalMu.Lock()
	canonicalPath = ""
	canonicalMu.Unlock()
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the canonical absolute database path.
func (s *Store) Path() string { return s.path }

// Clock returns the store's timestamp source.
func (s *Store) Clock() ids.Clock { return s.clock }

// DB exposes the raw handle for read-only queries in handlers.
func (s *Store) DB() *sql.DB { return s.db }

// InTx runs fn inside a single transaction, committing on nil and rolling
// back on error or panic.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// IsBusy reports whether err is sqlite's lock contention error.
func IsBusy(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

// ReadRetry wraps a read with jittered exponential backoff on lock errors.
// Writes are not retried here: the caller owns write idempotency.
func ReadRetry(ctx context.Context, maxRetries int, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = fn(); err == nil || !IsBusy(err) {
			return err
		}
		delay := busyBase * time.Duration(1<<attempt)
		if delay > busyCap {
			delay = busyCap
		}
		delay += time.Duration(rand.Int63n(int64(busyBase)))
		logging.Warn(ctx, "database locked, retrying read", "attempt", attempt+1, "delay_ms", delay.Milliseconds())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// nullStr converts an optional string to its sql representation.
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime converts an optional time to its sql representation.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullFloat converts an optional float to its sql representation.
func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func strPtr(n sql.NullString) string {
	if n.Valid {
		return n.String
	}
	return ""
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	f := n.Float64
	return &f
}
