package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"tradeloop/internal/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every unapplied migration file in lexical order. Each file
// is split on ';' and executed statement by statement so a partially-new
// schema converges: "duplicate column" and "already exists" errors are
// treated as success.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMP NOT NULL)`,
	); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	names, err := migrationNames()
	if err != nil {
		return err
	}
	var merr *multierror.Error
	for _, name := range names {
		applied, err := s.migrationApplied(ctx, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, name); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("migration %s: %w", name, err))
			break
		}
		logging.Info(ctx, "applied migration", "migration", name)
	}
	return merr.ErrorOrNil()
}

// AppliedMigrations returns the filenames recorded in schema_migrations.
func (s *Store) AppliedMigrations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT filename FROM schema_migrations ORDER BY filename`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// PendingMigrations returns embedded migrations not yet recorded as applied.
func (s *Store) PendingMigrations(ctx context.Context) ([]string, error) {
	applied, err := s.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	appliedSet := make(map[string]bool, len(applied))
	for _, n := range applied {
		appliedSet[n] = true
	}
	names, err := migrationNames()
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, n := range names {
		if !appliedSet[n] {
			pending = append(pending, n)
		}
	}
	return pending, nil
}

func migrationNames() ([]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) migrationApplied(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE filename = ?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) applyMigration(ctx context.Context, name string) error {
	raw, err := migrationFS.ReadFile("migrations/" + name)
	if err != nil {
		return err
	}
	return s.InTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range strings.Split(string(raw), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				if idempotentMigrationError(err) {
					continue
				}
				return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`,
			name, s.clock.Now())
		return err
	})
}

// idempotentMigrationError reports whether err means the statement's effect
// already exists, so re-running the migration converges.
func idempotentMigrationError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
