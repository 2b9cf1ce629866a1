package launch

import (
	"os"

	"github.com/mattjoyce/scatter/internal/config"
	"github.com/mattjoyce/scatter/internal/job"
)

// New builds the launcher selected by cfg.Mode. run backs the inprocess mode
// and may be nil for the others. An empty executable means this binary.
func New(cfg config.LauncherConfig, run RankFunc) (Launcher, error) {
	executable := cfg.Executable
	if executable == "" && cfg.Mode != "inprocess" {
		self, err := os.Executable()
		if err != nil {
			return nil, job.Configf("launcher.executable", "resolve own executable: %w", err)
		}
		executable = self
	}

	switch cfg.Mode {
	case "exec", "":
		return NewExec(ExecConfig{
			Executable:   executable,
			RemoteShell:  cfg.RemoteShell,
			DefaultRanks: cfg.DefaultRanks,
			Timeout:      cfg.Timeout,
			GracePeriod:  cfg.GracePeriod,
		})
	case "mpi":
		return NewMPI(MPIConfig{
			MPIRun:       cfg.MPIRun,
			ExtraArgs:    cfg.MPIArgs,
			Executable:   executable,
			DefaultRanks: cfg.DefaultRanks,
			Timeout:      cfg.Timeout,
			GracePeriod:  cfg.GracePeriod,
		})
	case "inprocess":
		if run == nil {
			return nil, job.Configf("launcher.mode", "inprocess mode needs a rank function")
		}
		return NewInProcess(run, cfg.DefaultRanks), nil
	default:
		return nil, job.Configf("launcher.mode", "unknown launcher mode %q", cfg.Mode)
	}
}
