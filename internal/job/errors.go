package job

import (
	"errors"
	"fmt"
)

// Kind classifies failures for propagation decisions. Only KindConfiguration
// is fatal to a whole run.
type Kind string

const (
	KindUnknown       Kind = "unknown"
	KindConfiguration Kind = "configuration"
	KindLaunch        Kind = "launch"
	KindWorkerIO      Kind = "worker_io"
)

// ConfigError reports a malformed job description, a missing required field,
// an unreadable host roster or a missing launcher executable.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Configf builds a ConfigError for field.
func Configf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// LaunchError reports a worker group that could not start or exited non-zero.
type LaunchError struct {
	SubjobID string
	Locator  string
	ExitCode int
	Err      error
}

func (e *LaunchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("launch %s (%s): exit status %d", e.SubjobID, e.Locator, e.ExitCode)
	}
	return fmt.Sprintf("launch %s (%s): %v", e.SubjobID, e.Locator, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// WorkerIOError reports an I/O failure inside one rank.
type WorkerIOError struct {
	Rank    int
	Locator string
	Offset  uint64
	Size    uint64
	Err     error
}

func (e *WorkerIOError) Error() string {
	return fmt.Sprintf("rank %d: %s [%d,%d): %v", e.Rank, e.Locator, e.Offset, e.Offset+e.Size, e.Err)
}

func (e *WorkerIOError) Unwrap() error { return e.Err }

// ShortReadError means the source ended before the requested range did.
type ShortReadError struct {
	Requested uint64
	Available uint64
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("short read: requested %d bytes, %d available", e.Requested, e.Available)
}

// KindOf classifies err.
func KindOf(err error) Kind {
	var (
		cfgErr    *ConfigError
		launchErr *LaunchError
		ioErr     *WorkerIOError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &ioErr):
		return KindWorkerIO
	case errors.As(err, &launchErr):
		return KindLaunch
	default:
		return KindUnknown
	}
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	return KindOf(err) == KindConfiguration
}
