package launch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/scatter/internal/job"
	"github.com/mattjoyce/scatter/internal/log"
	"github.com/mattjoyce/scatter/internal/protocol"
)

// ExecConfig configures ExecLauncher.
type ExecConfig struct {
	Executable string
	Args       []string // default: ["worker"]

	// RemoteShell, when set, prefixes each rank with e.g. ["ssh", "-o",
	// "BatchMode=yes"] followed by the rank's host. Ranks without a host run
	// locally.
	RemoteShell []string

	DefaultRanks int
	Timeout      time.Duration
	GracePeriod  time.Duration
}

// ExecLauncher runs one subprocess per rank. The request envelope goes in on
// stdin and the rank's response comes back on stdout.
type ExecLauncher struct {
	cfg    ExecConfig
	logger *slog.Logger
}

var _ Launcher = (*ExecLauncher)(nil)

// NewExec creates an ExecLauncher. The executable must resolve on PATH (or be
// a path to an existing file); otherwise a configuration error is returned.
func NewExec(cfg ExecConfig) (*ExecLauncher, error) {
	if cfg.Executable == "" {
		return nil, job.Configf("launcher.executable", "worker executable is not set")
	}
	resolved, err := exec.LookPath(cfg.Executable)
	if err != nil {
		return nil, job.Configf("launcher.executable", "worker executable %q: %w", cfg.Executable, err)
	}
	cfg.Executable = resolved
	if cfg.Args == nil {
		cfg.Args = []string{"worker"}
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &ExecLauncher{cfg: cfg, logger: log.WithComponent("launch.exec")}, nil
}

// Launch starts every rank concurrently and waits for all of them.
func (l *ExecLauncher) Launch(ctx context.Context, cmd Command, placement Placement) (Status, error) {
	world := worldSize(placement, l.cfg.DefaultRanks)
	logger := l.logger.With("subjob_id", cmd.Request.SubjobID, "world_size", world)

	// A failed start cancels the ranks already running.
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ranks := make([]RankResult, world)
	stderrs := make([]string, world)

	var (
		startMu  sync.Mutex
		startErr error
	)

	var g errgroup.Group
	for rank := range world {
		g.Go(func() error {
			host := hostAt(placement, rank)
			res, stderr, err := l.runRank(groupCtx, cmd, rank, world, host, logger)
			if err != nil {
				startMu.Lock()
				if startErr == nil {
					startErr = err
				}
				startMu.Unlock()
				cancel()
			}
			ranks[rank] = res
			stderrs[rank] = stderr
			return nil
		})
	}
	_ = g.Wait()

	st := finish(ranks, joinStderr(stderrs))
	if startErr != nil {
		return st, &job.LaunchError{SubjobID: cmd.Request.SubjobID, Locator: cmd.Request.Locator, ExitCode: -1, Err: startErr}
	}
	return st, nil
}

func (l *ExecLauncher) argv(host string) []string {
	var argv []string
	if len(l.cfg.RemoteShell) > 0 && host != "" {
		argv = append(argv, l.cfg.RemoteShell...)
		argv = append(argv, host)
	}
	argv = append(argv, l.cfg.Executable)
	return append(argv, l.cfg.Args...)
}

func (l *ExecLauncher) runRank(ctx context.Context, cmd Command, rank, world int, host string, logger *slog.Logger) (RankResult, string, error) {
	result := RankResult{Rank: rank, Host: host}
	req := rankRequest(cmd.Request, rank, world, host)

	var stdin bytes.Buffer
	if err := protocol.EncodeRequest(&stdin, &req); err != nil {
		result.ExitCode = -1
		result.Error = err.Error()
		return result, "", err
	}

	env := append(os.Environ(),
		"SCATTER_RANK="+strconv.Itoa(rank),
		"SCATTER_WORLD_SIZE="+strconv.Itoa(world),
		"SCATTER_SUBJOB_ID="+cmd.Request.SubjobID,
	)

	rankLogger := logger.With("rank", rank, "host", host)
	proc, err := runProcess(ctx, processSpec{
		argv:    l.argv(host),
		env:     env,
		stdin:   &stdin,
		timeout: l.cfg.Timeout,
		grace:   l.cfg.GracePeriod,
	}, rankLogger)
	if err != nil {
		result.ExitCode = -1
		result.Error = err.Error()
		return result, "", err
	}

	result.ExitCode = proc.exitCode
	stderr := proc.stderr
	if stderr != "" {
		stderr = fmt.Sprintf("[rank %d] %s", rank, stderr)
	}

	switch {
	case proc.timedOut:
		result.Error = fmt.Sprintf("timed out after %s", l.cfg.Timeout)
		return result, stderr, nil
	case proc.canceled:
		result.Error = "cancelled"
		return result, stderr, nil
	}

	resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(proc.stdout))
	if err != nil {
		rankLogger.Error("failed to decode worker response", "error", err, "stdout", string(raw))
		if result.Error == "" {
			result.Error = fmt.Sprintf("decode response: %v", err)
		}
		return result, stderr, nil
	}
	result.Response = resp
	if proc.exitCode != 0 {
		rankLogger.Warn("worker exited with non-zero status", "exit_code", proc.exitCode)
	}
	return result, stderr, nil
}

func joinStderr(parts []string) string {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(p)
		if !strings.HasSuffix(p, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
