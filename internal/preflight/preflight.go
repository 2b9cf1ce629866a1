// Package preflight checks that a configuration, roster and job file can
// actually run before any node is allocated.
package preflight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/mattjoyce/scatter/internal/config"
	"github.com/mattjoyce/scatter/internal/jobspec"
	"github.com/mattjoyce/scatter/internal/nodepool"
	"github.com/mattjoyce/scatter/internal/storage"
)

// Result holds the outcome of a preflight run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Options selects the optional checks.
type Options struct {
	// JobPath is validated, and resolved against Sizer when set.
	JobPath string
	Sizer   jobspec.Sizer
}

// Checker validates a loaded configuration.
type Checker struct {
	cfg      *config.Config
	opts     Options
	lookPath func(string) (string, error)
	fsCheck  func(string) (string, error)
}

func New(cfg *config.Config, opts Options) *Checker {
	return &Checker{
		cfg:      cfg,
		opts:     opts,
		lookPath: exec.LookPath,
		fsCheck:  storage.CheckLocalFilesystem,
	}
}

// Run performs every check.
func (c *Checker) Run(ctx context.Context) *Result {
	r := &Result{Valid: true}

	c.checkLauncher(r)
	c.checkRoster(r)
	c.checkState(r)
	c.checkAPI(r)
	if c.opts.JobPath != "" {
		c.checkJob(ctx, r)
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func (c *Checker) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (c *Checker) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkLauncher verifies the binaries the launcher will exec.
func (c *Checker) checkLauncher(r *Result) {
	l := c.cfg.Launcher
	switch l.Mode {
	case "inprocess":
		c.addWarning(r, "launcher", "launcher.mode", "inprocess runs every rank inside the orchestrator; roster hosts only set the rank count")
		return
	case "mpi":
		mpirun := l.MPIRun
		if mpirun == "" {
			mpirun = "mpirun"
		}
		if _, err := c.lookPath(mpirun); err != nil {
			c.addError(r, "launcher", "launcher.mpirun", fmt.Sprintf("%q not found: %v", mpirun, err))
		}
	}

	if l.Executable != "" {
		if _, err := c.lookPath(l.Executable); err != nil {
			c.addError(r, "launcher", "launcher.executable", fmt.Sprintf("worker executable %q not found: %v", l.Executable, err))
		}
	}
	if len(l.RemoteShell) > 0 {
		if _, err := c.lookPath(l.RemoteShell[0]); err != nil {
			c.addError(r, "launcher", "launcher.remote_shell", fmt.Sprintf("remote shell %q not found: %v", l.RemoteShell[0], err))
		}
		if l.Mode == "mpi" {
			c.addWarning(r, "launcher", "launcher.remote_shell", "remote_shell is ignored in mpi mode; mpirun places ranks from the hostfile")
		}
	}
	if l.Timeout == 0 {
		c.addWarning(r, "launcher", "launcher.timeout", "no timeout set; a hung rank holds its nodes until the run is cancelled")
	}
}

// checkRoster loads the roster the same way a run would.
func (c *Checker) checkRoster(r *Result) {
	path := c.cfg.Hosts.Roster
	if path == "" {
		c.addWarning(r, "hosts", "hosts.roster", "no roster configured; every worker group uses the launcher's default placement")
		return
	}
	nodes, err := nodepool.LoadRoster(path)
	if err != nil {
		c.addError(r, "hosts", "hosts.roster", err.Error())
		return
	}
	if len(nodes) == 0 {
		c.addWarning(r, "hosts", "hosts.roster", fmt.Sprintf("roster %s lists no nodes", path))
		return
	}
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if seen[n] {
			c.addWarning(r, "hosts", "hosts.roster", fmt.Sprintf("node %q listed more than once; later entries are ignored", n))
		}
		seen[n] = true
	}
}

// checkState refuses sqlite files on cluster filesystems.
func (c *Checker) checkState(r *Result) {
	for field, path := range map[string]string{
		"state.path":           c.cfg.State.Path,
		"backends.buffer.path": c.cfg.Backends.Buffer.Path,
	} {
		if path == "" {
			continue
		}
		if _, err := c.fsCheck(path); err != nil {
			c.addError(r, "state", field, err.Error())
		}
	}
}

func (c *Checker) checkAPI(r *Result) {
	if !c.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(c.cfg.API.Listen)
	if err != nil {
		c.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", c.cfg.API.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		c.addWarning(r, "api", "api.listen", "status API has no authentication and is not bound to loopback")
	}
}

// checkJob parses the job file and, with a sizer, resolves every locator.
func (c *Checker) checkJob(ctx context.Context, r *Result) {
	j, err := jobspec.Load(c.opts.JobPath, c.cfg.Scale.DefaultMaxScale)
	if err != nil {
		c.addJobErrors(r, err)
		return
	}
	if c.opts.Sizer == nil {
		return
	}
	entries, err := jobspec.Resolve(ctx, j, c.opts.Sizer)
	if err != nil {
		c.addJobErrors(r, err)
		return
	}
	for _, e := range entries {
		for _, t := range e.Targets {
			if t.Size == 0 {
				c.addWarning(r, "job", e.ID, fmt.Sprintf("%s resolves to an empty range", t.Locator))
			}
		}
	}
}

// addJobErrors reports each collected job problem as its own issue.
func (c *Checker) addJobErrors(r *Result, err error) {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			c.addError(r, "job", c.opts.JobPath, e.Error())
		}
		return
	}
	c.addError(r, "job", c.opts.JobPath, err.Error())
}

// FormatHuman returns a human-readable report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Preflight passed.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Preflight passed (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Preflight failed (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Err folds the errors of r into one error, nil when r is valid.
func (r *Result) Err() error {
	var result *multierror.Error
	for _, e := range r.Errors {
		result = multierror.Append(result, fmt.Errorf("[%s] %s: %s", e.Category, e.Field, e.Message))
	}
	return result.ErrorOrNil()
}
