package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// File reads and writes the local (or cluster-mounted) filesystem.
type File struct{}

// NewFile returns the filesystem backend.
func NewFile() *File { return &File{} }

func localPath(locator string) string {
	return filepath.Clean(strings.TrimPrefix(locator, "file://"))
}

// GetSize stats the file.
func (File) GetSize(_ context.Context, locator string) (uint64, error) {
	info, err := os.Stat(localPath(locator))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%s: %w", locator, ErrNotFound)
		}
		return 0, fmt.Errorf("stat %s: %w", locator, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", locator)
	}
	return uint64(info.Size()), nil
}

// ReadRange reads with ReadAt so concurrent ranks never share a file offset.
func (File) ReadRange(_ context.Context, locator string, offset, length uint64) ([]byte, error) {
	f, err := os.Open(localPath(locator))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", locator, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", locator, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s at %d: %w", locator, offset, err)
	}
	return buf[:n], nil
}

// Put writes data via a temp file and rename so readers never observe a
// partial blob.
func (File) Put(_ context.Context, destination string, data []byte) error {
	path := localPath(destination)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", destination, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", destination, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", destination, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename into %s: %w", destination, err)
	}
	return nil
}
