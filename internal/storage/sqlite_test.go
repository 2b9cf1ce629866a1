package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSQLiteBootstrapsLedgerTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "state", "scatter.db")
	db, err := OpenSQLite(context.Background(), dbPath, LedgerSchema)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"runs", "subjobs"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "buffer.db")
	for range 2 {
		db, err := OpenSQLite(context.Background(), dbPath, BufferSchema)
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		_ = db.Close()
	}
}

func TestOpenSQLiteEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := OpenSQLite(context.Background(), "", LedgerSchema); err == nil {
		t.Fatal("expected error for empty path")
	}
}
