package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/scatter/internal/storage"
)

// Buffer is the buffering tier: blobs addressed as buffer://tag/name kept in
// a node-local sqlite database. The database is opened on first use.
type Buffer struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// NewBuffer returns a buffer backed by the sqlite file at path.
func NewBuffer(path string) *Buffer { return &Buffer{path: path} }

func (b *Buffer) conn(ctx context.Context) (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}
	db, err := storage.OpenSQLite(ctx, b.path, storage.BufferSchema)
	if err != nil {
		return nil, fmt.Errorf("open buffer store: %w", err)
	}
	b.db = db
	return db, nil
}

func parseBuffer(locator string) (tag, name string, err error) {
	rest, ok := strings.CutPrefix(locator, "buffer://")
	if !ok {
		return "", "", fmt.Errorf("not a buffer://tag/name locator: %s", locator)
	}
	tag, name, ok = strings.Cut(rest, "/")
	if !ok || tag == "" || name == "" {
		return "", "", fmt.Errorf("buffer locator needs both tag and name: %s", locator)
	}
	return tag, name, nil
}

// GetSize returns the stored blob length.
func (b *Buffer) GetSize(ctx context.Context, locator string) (uint64, error) {
	tag, name, err := parseBuffer(locator)
	if err != nil {
		return 0, err
	}
	db, err := b.conn(ctx)
	if err != nil {
		return 0, err
	}

	var size int64
	err = db.QueryRowContext(ctx, `SELECT length(data) FROM blobs WHERE tag = ? AND name = ?`, tag, name).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w", locator, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("size of %s: %w", locator, err)
	}
	return uint64(size), nil
}

// ReadRange slices the blob inside sqlite so only the range is copied out.
func (b *Buffer) ReadRange(ctx context.Context, locator string, offset, length uint64) ([]byte, error) {
	tag, name, err := parseBuffer(locator)
	if err != nil {
		return nil, err
	}
	db, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}

	var data []byte
	// substr is 1-indexed and treats BLOB arguments as bytes.
	err = db.QueryRowContext(ctx,
		`SELECT substr(data, ?, ?) FROM blobs WHERE tag = ? AND name = ?`,
		int64(offset)+1, int64(length), tag, name,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", locator, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s at %d: %w", locator, offset, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// Put stores or replaces the blob.
func (b *Buffer) Put(ctx context.Context, destination string, data []byte) error {
	tag, name, err := parseBuffer(destination)
	if err != nil {
		return err
	}
	db, err := b.conn(ctx)
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}

	_, err = db.ExecContext(ctx, `
INSERT INTO blobs(tag, name, data, updated_at) VALUES(?, ?, ?, ?)
ON CONFLICT(tag, name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at;`,
		tag, name, data, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", destination, err)
	}
	return nil
}

// Close closes the database if it was opened.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
