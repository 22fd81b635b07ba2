package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Session pragmas apply per connection, so keep the pool at a single
	// connection. Concurrent writers serialize here instead of surfacing
	// SQLITE_BUSY from connections the pragmas never reached.
	db.SetMaxOpenConns(1)

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  id                 TEXT PRIMARY KEY,
  workflow           TEXT NOT NULL,
  fingerprint        TEXT,
  event_kind         TEXT NOT NULL,
  ref                TEXT NOT NULL,
  head_sha           TEXT,
  repository         TEXT,
  delivery_id        TEXT,
  target             TEXT NOT NULL,
  group_key          TEXT NOT NULL,
  cancel_in_progress INTEGER NOT NULL DEFAULT 0,
  status             TEXT NOT NULL,
  submitted_by       TEXT NOT NULL,
  created_at         TEXT NOT NULL,
  started_at         TEXT,
  completed_at       TEXT,
  last_error         TEXT,
  superseded_by      TEXT
);`,
		`CREATE TABLE IF NOT EXISTS step_results (
  id           TEXT PRIMARY KEY,
  run_id       TEXT NOT NULL,
  step_id      TEXT NOT NULL,
  name         TEXT NOT NULL,
  seq          INTEGER NOT NULL,
  status       TEXT NOT NULL,
  exit_code    INTEGER,
  skip_reason  TEXT,
  started_at   TEXT,
  completed_at TEXT,
  stderr       TEXT
);`,
		`CREATE INDEX IF NOT EXISTS runs_status_created_at_idx ON runs(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS runs_group_key_status_idx ON runs(group_key, status);`,
		`CREATE INDEX IF NOT EXISTS step_results_run_id_seq_idx ON step_results(run_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
