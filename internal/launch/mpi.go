package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/mattjoyce/scatter/internal/job"
	"github.com/mattjoyce/scatter/internal/log"
	"github.com/mattjoyce/scatter/internal/protocol"
)

// MPIConfig configures MPILauncher.
type MPIConfig struct {
	MPIRun     string // mpirun or a compatible wrapper
	ExtraArgs  []string
	Executable string
	Args       []string // default: ["worker"]

	DefaultRanks int
	Timeout      time.Duration
	GracePeriod  time.Duration
}

// MPILauncher starts the whole group with one mpirun invocation. Ranks read
// the request from a file and take rank and world size from the MPI
// environment; each writes its response into the response directory.
type MPILauncher struct {
	cfg    MPIConfig
	logger *slog.Logger
}

var _ Launcher = (*MPILauncher)(nil)

// NewMPI creates an MPILauncher, checking that mpirun resolves.
func NewMPI(cfg MPIConfig) (*MPILauncher, error) {
	if cfg.MPIRun == "" {
		cfg.MPIRun = "mpirun"
	}
	resolved, err := exec.LookPath(cfg.MPIRun)
	if err != nil {
		return nil, job.Configf("launcher.mpirun", "%q: %w", cfg.MPIRun, err)
	}
	cfg.MPIRun = resolved
	if cfg.Executable == "" {
		return nil, job.Configf("launcher.executable", "worker executable is not set")
	}
	if cfg.Args == nil {
		cfg.Args = []string{"worker"}
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &MPILauncher{cfg: cfg, logger: log.WithComponent("launch.mpi")}, nil
}

// Argv builds the mpirun command line for a group of n ranks.
func (l *MPILauncher) Argv(n int, hostfile, requestPath string) []string {
	argv := []string{l.cfg.MPIRun, "-np", strconv.Itoa(n)}
	if hostfile != "" {
		argv = append(argv, "--hostfile", hostfile)
	}
	argv = append(argv, l.cfg.ExtraArgs...)
	argv = append(argv, l.cfg.Executable)
	argv = append(argv, l.cfg.Args...)
	return append(argv, "--request", requestPath)
}

// Launch writes the request file, runs mpirun and collects rank responses.
func (l *MPILauncher) Launch(ctx context.Context, cmd Command, placement Placement) (Status, error) {
	if cmd.RequestPath == "" || cmd.ResponseDir == "" {
		return Status{}, errors.New("mpi launcher needs a request path and response directory")
	}
	world := worldSize(placement, l.cfg.DefaultRanks)
	logger := l.logger.With("subjob_id", cmd.Request.SubjobID, "world_size", world)

	req := rankRequest(cmd.Request, protocol.RankFromEnv, world, "")
	req.ResponseDir = cmd.ResponseDir
	if err := protocol.WriteRequestFile(cmd.RequestPath, &req); err != nil {
		return Status{}, &job.LaunchError{SubjobID: req.SubjobID, Locator: req.Locator, ExitCode: -1, Err: err}
	}

	hostfile := placement.Hostfile
	if len(placement.Hosts) == 0 {
		hostfile = ""
	}

	proc, err := runProcess(ctx, processSpec{
		argv:    l.Argv(world, hostfile, cmd.RequestPath),
		env:     os.Environ(),
		timeout: l.cfg.Timeout,
		grace:   l.cfg.GracePeriod,
	}, logger)
	if err != nil {
		return Status{}, &job.LaunchError{SubjobID: req.SubjobID, Locator: req.Locator, ExitCode: -1, Err: err}
	}

	ranks := make([]RankResult, world)
	for rank := range world {
		ranks[rank] = collectRank(cmd.ResponseDir, rank, hostAt(placement, rank))
	}

	st := finish(ranks, proc.stderr)
	switch {
	case proc.timedOut:
		st.ExitCode = -1
		st.Ranks = markAll(st.Ranks, fmt.Sprintf("timed out after %s", l.cfg.Timeout))
	case proc.canceled:
		st.ExitCode = -1
		st.Ranks = markAll(st.Ranks, "cancelled")
	case proc.exitCode != 0:
		st.ExitCode = proc.exitCode
	}
	return st, nil
}

func collectRank(dir string, rank int, host string) RankResult {
	res := RankResult{Rank: rank, Host: host}
	f, err := os.Open(protocol.ResponsePath(dir, rank))
	if err != nil {
		res.ExitCode = -1
		res.Error = "rank wrote no response"
		return res
	}
	defer f.Close()

	resp, err := protocol.DecodeResponse(f)
	if err != nil {
		res.ExitCode = -1
		res.Error = fmt.Sprintf("decode response: %v", err)
		return res
	}
	res.Response = resp
	if !resp.OK() {
		res.ExitCode = 1
	}
	return res
}

func markAll(ranks []RankResult, reason string) []RankResult {
	for i := range ranks {
		if !ranks[i].OK() && ranks[i].Error == "" {
			ranks[i].Error = reason
		}
	}
	return ranks
}
