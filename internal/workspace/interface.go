package workspace

import (
	"context"
	"path/filepath"
	"time"
)

// Workspace is the scratch directory of one sub-job. It holds the placement
// artifacts the launcher consumes and lives only as long as the launch.
type Workspace struct {
	SubjobID string
	Dir      string
}

// HostfilePath is where the expanded host assignment is written.
func (w Workspace) HostfilePath() string { return filepath.Join(w.Dir, "hostfile") }

// RequestPath is where the worker request envelope is written.
func (w Workspace) RequestPath() string { return filepath.Join(w.Dir, "request.json") }

// ResponseDir collects per-rank response files.
func (w Workspace) ResponseDir() string { return filepath.Join(w.Dir, "responses") }

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs sub-job workspace lifecycle.
type Manager interface {
	// Create initializes a new workspace for subjobID.
	Create(ctx context.Context, subjobID string) (Workspace, error)

	// Open resolves an existing workspace for subjobID.
	Open(ctx context.Context, subjobID string) (Workspace, error)

	// Remove deletes the workspace and everything in it.
	Remove(ctx context.Context, ws Workspace) error

	// Cleanup removes stale workspaces older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
