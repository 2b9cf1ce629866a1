// Package orchestrator runs job entries: it sizes each target, takes nodes
// from the pool, launches a worker group and always gives the nodes back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/scatter/internal/events"
	"github.com/mattjoyce/scatter/internal/job"
	"github.com/mattjoyce/scatter/internal/launch"
	"github.com/mattjoyce/scatter/internal/ledger"
	"github.com/mattjoyce/scatter/internal/log"
	"github.com/mattjoyce/scatter/internal/metrics"
	"github.com/mattjoyce/scatter/internal/nodepool"
	"github.com/mattjoyce/scatter/internal/scale"
	"github.com/mattjoyce/scatter/internal/workspace"
)

// Settings are the per-deployment knobs passed down to every sub-job.
type Settings struct {
	// MaxConcurrentJobs bounds how many sub-jobs hold nodes at once. 0 = unbounded.
	MaxConcurrentJobs int
	ChunkSize         uint64
	Progress          string
	// Timeout, when set, becomes the request deadline workers stop at.
	Timeout time.Duration
}

// Deps are the collaborators of an Orchestrator. Ledger and Events are
// optional.
type Deps struct {
	Advisor    scale.Advisor
	Pool       *nodepool.Pool
	Launcher   launch.Launcher
	Workspaces workspace.Manager
	Ledger     *ledger.Ledger
	Events     events.Publisher
}

// RunInfo identifies a run in the ledger and in events.
type RunInfo struct {
	ID         string
	JobName    string
	JobFile    string
	JobHash    string
	ConfigHash string
}

type Orchestrator struct {
	advisor    scale.Advisor
	pool       *nodepool.Pool
	launcher   launch.Launcher
	workspaces workspace.Manager
	ledger     *ledger.Ledger
	events     events.Publisher
	settings   Settings
	sem        *semaphore.Weighted
	logger     *slog.Logger
	newID      func() string
}

func New(d Deps, s Settings) *Orchestrator {
	o := &Orchestrator{
		advisor:    d.Advisor,
		pool:       d.Pool,
		launcher:   d.Launcher,
		workspaces: d.Workspaces,
		ledger:     d.Ledger,
		events:     d.Events,
		settings:   s,
		logger:     log.WithComponent("orchestrator"),
		newID:      uuid.NewString,
	}
	if o.pool == nil {
		o.pool = nodepool.New(nil)
	}
	if o.events == nil {
		o.events = (*events.Hub)(nil)
	}
	if s.MaxConcurrentJobs > 0 {
		o.sem = semaphore.NewWeighted(int64(s.MaxConcurrentJobs))
	}
	return o
}

// Run executes every entry concurrently and waits for all of them. It
// returns one outcome per entry, in entry order, and a multierror naming
// every failed sub-job (nil when all succeeded). One entry's failure never
// cancels its siblings.
func (o *Orchestrator) Run(ctx context.Context, info RunInfo, entries []job.Entry) ([]job.Outcome, error) {
	if info.ID == "" {
		info.ID = o.newID()
	}
	logger := o.logger.With("run_id", info.ID)
	logger.Info("run starting", "job", info.JobName, "entries", len(entries), "pool_size", o.pool.Size())

	if o.ledger != nil {
		if err := o.ledger.StartRun(ctx, ledger.Run{
			ID: info.ID, JobName: info.JobName, JobFile: info.JobFile,
			JobHash: info.JobHash, ConfigHash: info.ConfigHash, Entries: len(entries),
		}); err != nil {
			logger.Warn("failed to record run start", "error", err)
		}
	}
	o.events.Publish(events.TypeRunStarted, events.Run{RunID: info.ID, Job: info.JobName, Entries: len(entries)})

	outcomes := make([]job.Outcome, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			outcomes[i] = o.runEntry(ctx, info.ID, e)
			return nil
		})
	}
	_ = g.Wait()

	var result *multierror.Error
	for _, out := range outcomes {
		for _, s := range out.Subjobs {
			if !s.Succeeded {
				result = multierror.Append(result, errors.New(s.Error))
			}
		}
		if len(out.Subjobs) == 0 && !out.Succeeded {
			result = multierror.Append(result, fmt.Errorf("entry %s: %s", out.EntryID, out.Detail))
		}
	}

	success := job.AllSucceeded(outcomes)
	metrics.CounterRuns.WithLabelValues(metrics.Outcome(success)).Inc()
	err := result.ErrorOrNil()

	if o.ledger != nil {
		var lastErr string
		if err != nil {
			lastErr = err.Error()
		}
		if lerr := o.ledger.CompleteRun(context.WithoutCancel(ctx), info.ID, success, lastErr); lerr != nil {
			logger.Warn("failed to record run completion", "error", lerr)
		}
	}
	o.events.Publish(events.TypeRunCompleted, events.Run{RunID: info.ID, Job: info.JobName, Entries: len(entries), Success: &success})
	logger.Info("run finished", "success", success)
	return outcomes, err
}

// runEntry fans out one sub-job per target and folds their results.
func (o *Orchestrator) runEntry(ctx context.Context, runID string, e job.Entry) job.Outcome {
	subjobs := make([]job.SubjobOutcome, len(e.Targets))
	var g errgroup.Group
	for i, t := range e.Targets {
		g.Go(func() error {
			subjobs[i] = o.runSubjob(ctx, runID, e, t)
			return nil
		})
	}
	_ = g.Wait()
	return job.NewOutcome(e.ID, subjobs)
}
