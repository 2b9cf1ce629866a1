// Package ledger records runs and their sub-jobs in sqlite so outcomes can be
// inspected after the orchestrator exits.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/scatter/internal/job"
	"github.com/mattjoyce/scatter/internal/storage"
)

const maxStderrBytes = 64 * 1024

type Ledger struct {
	db *sql.DB
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Open opens the ledger database at path, creating it if needed.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := storage.OpenSQLite(ctx, path, storage.LedgerSchema)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// StartRun inserts a run in the running state.
func (l *Ledger) StartRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		return fmt.Errorf("run id is empty")
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO runs(id, job_name, job_file, job_hash, config_hash, status, entries, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, r.ID, r.JobName, nullIfEmpty(r.JobFile), nullIfEmpty(r.JobHash), nullIfEmpty(r.ConfigHash), RunRunning, r.Entries, now())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// CompleteRun marks a run terminal.
func (l *Ledger) CompleteRun(ctx context.Context, runID string, success bool, lastError string) error {
	status := RunSucceeded
	if !success {
		status = RunFailed
	}
	res, err := l.db.ExecContext(ctx, `
UPDATE runs SET status = ?, completed_at = ?, last_error = ? WHERE id = ?;
`, status, now(), nullIfEmpty(lastError), runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete run %q: %w", runID, ErrRunNotFound)
	}
	return nil
}

// CreateSubjob inserts a pending sub-job.
func (l *Ledger) CreateSubjob(ctx context.Context, s Subjob) error {
	if s.ID == "" || s.RunID == "" {
		return fmt.Errorf("subjob and run ids are required")
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO subjobs(id, run_id, entry_id, locator, range_offset, range_size, status, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, s.ID, s.RunID, s.EntryID, s.Locator, int64(s.Offset), int64(s.Size), job.StatusPending, now())
	if err != nil {
		return fmt.Errorf("insert subjob: %w", err)
	}
	return nil
}

// UpdateSubjob applies u. Launch sets started_at; terminal states set
// completed_at. Stderr is capped.
func (l *Ledger) UpdateSubjob(ctx context.Context, id string, u SubjobUpdate) error {
	if u.Status == "" {
		return fmt.Errorf("subjob %q: status is required", id)
	}
	ts := now()

	var hosts any
	if u.Hosts != nil {
		b, err := json.Marshal(u.Hosts)
		if err != nil {
			return fmt.Errorf("encode hosts: %w", err)
		}
		hosts = string(b)
	}
	var startedAt, completedAt any
	if u.Status == job.StatusLaunched {
		startedAt = ts
	}
	if u.Status.Terminal() {
		completedAt = ts
	}
	stderr := u.Stderr
	if len(stderr) > maxStderrBytes {
		stderr = stderr[:maxStderrBytes]
	}

	res, err := l.db.ExecContext(ctx, `
UPDATE subjobs SET
  status       = ?,
  processes    = CASE WHEN ? > 0 THEN ? ELSE processes END,
  hosts        = COALESCE(?, hosts),
  started_at   = COALESCE(?, started_at),
  completed_at = COALESCE(?, completed_at),
  last_error   = COALESCE(?, last_error),
  stderr       = COALESCE(?, stderr)
WHERE id = ?;
`, u.Status, u.Processes, u.Processes, hosts, startedAt, completedAt, nullIfEmpty(u.Error), nullIfEmpty(stderr), id)
	if err != nil {
		return fmt.Errorf("update subjob: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subjob %q not found", id)
	}
	return nil
}

// GetRun loads a run with its sub-jobs.
func (l *Ledger) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT id, job_name, job_file, job_hash, config_hash, status, entries, created_at, completed_at, last_error
FROM runs WHERE id = ?;
`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query run %q: %w", runID, err)
	}

	rows, err := l.db.QueryContext(ctx, `
SELECT id, run_id, entry_id, locator, range_offset, range_size, processes, hosts, status,
       created_at, started_at, completed_at, last_error, stderr
FROM subjobs WHERE run_id = ?
ORDER BY created_at ASC, rowid ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("query subjobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		s, err := scanSubjob(rows)
		if err != nil {
			return nil, err
		}
		r.Subjobs = append(r.Subjobs, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subjobs: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first, without sub-jobs.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, job_name, job_file, job_hash, config_hash, status, entries, created_at, completed_at, last_error
FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r                         Run
		jobFile, jobHash, cfgHash sql.NullString
		createdAtS                string
		completedAtS, lastError   sql.NullString
	)
	if err := row.Scan(&r.ID, &r.JobName, &jobFile, &jobHash, &cfgHash, &r.Status, &r.Entries,
		&createdAtS, &completedAtS, &lastError); err != nil {
		return nil, err
	}
	r.JobFile = jobFile.String
	r.JobHash = jobHash.String
	r.ConfigHash = cfgHash.String
	r.CreatedAt = parseTime(createdAtS)
	r.CompletedAt = parseNullTime(completedAtS)
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	return &r, nil
}

func scanSubjob(row scanner) (*Subjob, error) {
	var (
		s                        Subjob
		offset, size             int64
		hosts                    sql.NullString
		status, createdAtS       string
		startedAtS, completedAtS sql.NullString
		lastError, stderr        sql.NullString
	)
	if err := row.Scan(&s.ID, &s.RunID, &s.EntryID, &s.Locator, &offset, &size, &s.Processes, &hosts, &status,
		&createdAtS, &startedAtS, &completedAtS, &lastError, &stderr); err != nil {
		return nil, fmt.Errorf("scan subjob: %w", err)
	}
	s.Offset, s.Size = uint64(offset), uint64(size)
	s.Status = job.Status(status)
	if hosts.Valid && hosts.String != "" {
		if err := json.Unmarshal([]byte(hosts.String), &s.Hosts); err != nil {
			return nil, fmt.Errorf("decode hosts of %s: %w", s.ID, err)
		}
	}
	s.CreatedAt = parseTime(createdAtS)
	s.StartedAt = parseNullTime(startedAtS)
	s.CompletedAt = parseNullTime(completedAtS)
	if lastError.Valid {
		s.LastError = &lastError.String
	}
	if stderr.Valid {
		s.Stderr = &stderr.String
	}
	return &s, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
