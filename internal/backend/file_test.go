package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "input.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	f := NewFile()

	size, err := f.GetSize(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), size)

	size, err = f.GetSize(ctx, "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), size)

	data, err := f.ReadRange(ctx, path, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("3456"), data)

	data, err = f.ReadRange(ctx, path, 8, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("89"), data, "reads past EOF come back short")

	data, err = f.ReadRange(ctx, path, 20, 5)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestFileBackendNotFound(t *testing.T) {
	f := NewFile()
	missing := filepath.Join(t.TempDir(), "missing")

	_, err := f.GetSize(context.Background(), missing)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.ReadRange(context.Background(), missing, 0, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackendDirectory(t *testing.T) {
	_, err := NewFile().GetSize(context.Background(), t.TempDir())
	assert.ErrorContains(t, err, "directory")
}

func TestFileBackendPut(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out", "input.bin", "0")
	f := NewFile()

	require.NoError(t, f.Put(context.Background(), dest, []byte("first")))
	require.NoError(t, f.Put(context.Background(), dest, []byte("second")))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
