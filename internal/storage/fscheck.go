package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Shared filesystems common on clusters. SQLite locking is unreliable on all
// of them, so state and buffer databases must live on node-local disk.
var sharedFilesystems = map[string]struct{}{
	"afpfs":  {},
	"beegfs": {},
	"cifs":   {},
	"gpfs":   {},
	"lustre": {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// CheckLocalFilesystem returns the filesystem type holding path, or an error
// when it is a shared filesystem.
func CheckLocalFilesystem(path string) (string, error) {
	return checkLocalFilesystem(path, detectFilesystemType)
}

func validateSQLiteFilesystem(path string) error {
	_, err := CheckLocalFilesystem(path)
	return err
}

func checkLocalFilesystem(path string, detector func(string) (string, error)) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite path is empty")
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return "", fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		// Unknown platforms are allowed through; the check is best effort.
		return "", nil
	}

	if isSharedFilesystem(fsType) {
		return fsType, fmt.Errorf(
			"database path %q is on shared filesystem %q; SQLite requires node-local disk for reliable locking. Point state.path or backends.buffer.path at a local directory",
			path,
			fsType,
		)
	}
	return fsType, nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	for candidate := absPath; ; {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isSharedFilesystem(fsType string) bool {
	_, found := sharedFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
