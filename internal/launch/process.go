package launch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a worker.
	maxStderrBytes = 64 * 1024

	// defaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	defaultGracePeriod = 5 * time.Second
)

// processSpec is one child process to run to completion.
type processSpec struct {
	argv    []string
	env     []string
	stdin   io.Reader
	timeout time.Duration // 0 = none
	grace   time.Duration
}

type processResult struct {
	stdout   []byte
	stderr   string
	exitCode int
	timedOut bool
	canceled bool
}

// runProcess starts spec and waits for it. On timeout or ctx cancellation it
// sends SIGTERM, waits the grace period, then SIGKILL. The returned error is
// non-nil only when the process could not be started.
func runProcess(ctx context.Context, spec processSpec, logger *slog.Logger) (processResult, error) {
	if len(spec.argv) == 0 {
		return processResult{}, errors.New("empty command")
	}
	grace := spec.grace
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	// Not CommandContext: termination is managed here so ranks get a grace period.
	cmd := exec.Command(spec.argv[0], spec.argv[1:]...)
	cmd.Env = spec.env
	cmd.Stdin = spec.stdin

	var stdout bytes.Buffer
	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	// Grandchildren holding the pipes must not keep Wait blocked forever.
	cmd.WaitDelay = grace

	logger.Debug("spawning worker process", "argv", spec.argv, "timeout", spec.timeout)

	if err := cmd.Start(); err != nil {
		return processResult{}, fmt.Errorf("start process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeoutC <-chan time.Time
	if spec.timeout > 0 {
		timer := time.NewTimer(spec.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	res := processResult{}
	var err error
	select {
	case err = <-waitErr:
	case <-timeoutC:
		logger.Warn("worker process timed out, sending SIGTERM", "timeout", spec.timeout)
		res.timedOut = true
		err = terminate(cmd, waitErr, grace, logger)
	case <-ctx.Done():
		logger.Warn("run cancelled, sending SIGTERM to worker process")
		res.canceled = true
		err = terminate(cmd, waitErr, grace, logger)
	}

	res.stdout = stdout.Bytes()
	res.stderr = stderr.String()
	res.exitCode = exitCode(err)
	if (res.timedOut || res.canceled) && res.exitCode == 0 {
		res.exitCode = -1
	}
	return res, nil
}

func terminate(cmd *exec.Cmd, waitErr <-chan error, grace time.Duration, logger *slog.Logger) error {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-waitErr:
		logger.Info("worker process exited after SIGTERM")
		return err
	case <-timer.C:
		logger.Warn("worker process did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		return <-waitErr
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return -1
}

// cappedBuffer keeps the first max bytes written and drops the rest. Writes
// always report success so the child never sees EPIPE on stderr.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// truncateStderr truncates joined stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
