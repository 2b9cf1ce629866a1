package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fsWorkspaceManager manages per-sub-job workspace directories on local disk.
type fsWorkspaceManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
func NewFSManager(baseDir string) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}

	return &fsWorkspaceManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// BaseDir returns the root all workspaces live under.
func (m *fsWorkspaceManager) BaseDir() string { return m.baseDir }

// Create initializes a workspace directory and its response directory.
func (m *fsWorkspaceManager) Create(ctx context.Context, subjobID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(subjobID)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace for sub-job %q: %w", subjobID, err)
	}

	ws := Workspace{SubjobID: subjobID, Dir: path}
	if err := os.Mkdir(ws.ResponseDir(), 0o755); err != nil {
		_ = os.RemoveAll(path)
		return Workspace{}, fmt.Errorf("create response directory for sub-job %q: %w", subjobID, err)
	}
	return ws, nil
}

// Open returns metadata for an existing workspace directory.
func (m *fsWorkspaceManager) Open(ctx context.Context, subjobID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(subjobID)
	if err != nil {
		return Workspace{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Workspace{}, fmt.Errorf("open workspace for sub-job %q: %w", subjobID, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("workspace path for sub-job %q is not a directory", subjobID)
	}

	return Workspace{SubjobID: subjobID, Dir: path}, nil
}

// Remove deletes ws. It runs after every launch, including cancelled ones,
// so it ignores ctx.
func (m *fsWorkspaceManager) Remove(_ context.Context, ws Workspace) error {
	path, err := m.workspacePath(ws.SubjobID)
	if err != nil {
		return err
	}
	if path != filepath.Clean(ws.Dir) {
		return fmt.Errorf("workspace %q is not managed under %q", ws.Dir, m.baseDir)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace %q: %w", ws.SubjobID, err)
	}
	return nil
}

// Cleanup removes workspace directories older than olderThan based on directory
// modification time. Left-overs come from orchestrators killed mid-launch.
func (m *fsWorkspaceManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(m.baseDir, entry.Name())); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

func (m *fsWorkspaceManager) workspacePath(subjobID string) (string, error) {
	if err := validateSubjobID(subjobID); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, subjobID), nil
}

func validateSubjobID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("sub-job id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("sub-job id %q is invalid", id)
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("sub-job id %q must not contain path separators", id)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("sub-job id %q is invalid", id)
	}
	return nil
}
