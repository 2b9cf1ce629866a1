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

// Schema is an ordered list of idempotent DDL statements.
type Schema []string

// LedgerSchema holds run history: one row per run, one per sub-job.
var LedgerSchema = Schema{
	`CREATE TABLE IF NOT EXISTS runs (
  id            TEXT PRIMARY KEY,
  job_name      TEXT NOT NULL,
  job_file      TEXT,
  job_hash      TEXT,
  config_hash   TEXT,
  status        TEXT NOT NULL,
  entries       INTEGER NOT NULL DEFAULT 0,
  created_at    TEXT NOT NULL,
  completed_at  TEXT,
  last_error    TEXT
);`,
	`CREATE TABLE IF NOT EXISTS subjobs (
  id            TEXT PRIMARY KEY,
  run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  entry_id      TEXT NOT NULL,
  locator       TEXT NOT NULL,
  range_offset  INTEGER NOT NULL,
  range_size    INTEGER NOT NULL,
  processes     INTEGER NOT NULL DEFAULT 0,
  hosts         JSON,
  status        TEXT NOT NULL,
  created_at    TEXT NOT NULL,
  started_at    TEXT,
  completed_at  TEXT,
  last_error    TEXT,
  stderr        TEXT
);`,
	`CREATE INDEX IF NOT EXISTS subjobs_run_id_idx ON subjobs(run_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS runs_created_at_idx ON runs(created_at);`,
}

// BufferSchema holds blobs for the buffering tier backend.
var BufferSchema = Schema{
	`CREATE TABLE IF NOT EXISTS blobs (
  tag         TEXT NOT NULL,
  name        TEXT NOT NULL,
  data        BLOB NOT NULL,
  updated_at  TEXT NOT NULL,
  PRIMARY KEY (tag, name)
);`,
}

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// applies schema. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string, schema Schema) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Sub-job tasks write concurrently; one connection keeps sqlite from
	// returning SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := Bootstrap(ctx, db, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Bootstrap creates tables and indexes if missing.
func Bootstrap(ctx context.Context, db *sql.DB, schema Schema) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
