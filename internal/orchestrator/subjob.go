package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/scatter/internal/events"
	"github.com/mattjoyce/scatter/internal/job"
	"github.com/mattjoyce/scatter/internal/launch"
	"github.com/mattjoyce/scatter/internal/ledger"
	"github.com/mattjoyce/scatter/internal/log"
	"github.com/mattjoyce/scatter/internal/metrics"
	"github.com/mattjoyce/scatter/internal/nodepool"
	"github.com/mattjoyce/scatter/internal/protocol"
)

// subjob carries one target through
// Pending → ScaleComputed → NodesAllocated → Launched → {Succeeded, Failed} → NodesReleased.
type subjob struct {
	o      *Orchestrator
	runID  string
	entry  job.Entry
	target job.Target
	out    job.SubjobOutcome
	logger *slog.Logger
}

func (o *Orchestrator) runSubjob(ctx context.Context, runID string, e job.Entry, t job.Target) (out job.SubjobOutcome) {
	sj := &subjob{
		o:      o,
		runID:  runID,
		entry:  e,
		target: t,
		out: job.SubjobOutcome{
			SubjobID: o.newID(),
			Locator:  t.Locator,
			Offset:   t.Offset,
			Size:     t.Size,
		},
	}
	sj.logger = log.WithJob(sj.out.SubjobID).With("run_id", runID, "entry_id", e.ID, "locator", t.Locator)

	// Registered first so it runs after the release below.
	defer func() {
		if r := recover(); r != nil {
			sj.logger.Error("sub-job panicked", "panic", r)
			sj.fail(context.WithoutCancel(ctx), &job.LaunchError{
				SubjobID: sj.out.SubjobID, Locator: t.Locator, ExitCode: -1,
				Err: fmt.Errorf("panic: %v", r),
			})
		}
		out = sj.out
	}()

	sj.run(ctx)
	return sj.out
}

func (sj *subjob) run(ctx context.Context) {
	o := sj.o
	id := sj.out.SubjobID

	if o.ledger != nil {
		if err := o.ledger.CreateSubjob(ctx, ledger.Subjob{
			ID: id, RunID: sj.runID, EntryID: sj.entry.ID,
			Locator: sj.target.Locator, Offset: sj.target.Offset, Size: sj.target.Size,
		}); err != nil {
			sj.logger.Warn("failed to record sub-job", "error", err)
		}
	}

	// Cancellation stops new launches; running ones see ctx themselves.
	if err := ctx.Err(); err != nil {
		sj.fail(ctx, fmt.Errorf("not launched: %w", err))
		return
	}
	if o.sem != nil {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			sj.fail(ctx, fmt.Errorf("not launched: %w", err))
			return
		}
		defer o.sem.Release(1)
	}

	rec := o.advisor.Recommend(sj.target.Size, sj.entry.MaxScale)
	sj.out.Processes = rec.Processes
	sj.transition(ctx, events.TypeScaleComputed, ledger.SubjobUpdate{Status: job.StatusScaleComputed, Processes: rec.Processes})

	var hosts []string
	if o.pool.Configured() {
		allocated := o.pool.Allocate(min(rec.Processes, o.pool.Size()))
		metrics.ObservePool(o.pool)
		defer sj.release(allocated)
		hosts = nodepool.Expand(allocated, rec.Processes)
	}
	sj.out.Hosts = hosts
	sj.transition(ctx, events.TypeNodesAllocated, ledger.SubjobUpdate{Status: job.StatusNodesAllocated, Hosts: hosts})

	ws, err := o.workspaces.Create(ctx, id)
	if err != nil {
		sj.fail(ctx, &job.LaunchError{SubjobID: id, Locator: sj.target.Locator, ExitCode: -1, Err: fmt.Errorf("create workspace: %w", err)})
		return
	}
	defer func() {
		if err := o.workspaces.Remove(context.WithoutCancel(ctx), ws); err != nil {
			sj.logger.Warn("failed to remove workspace", "dir", ws.Dir, "error", err)
			o.events.Publish(events.TypeWorkspaceLeaked, sj.payload(err.Error()))
		}
	}()

	placement := launch.Placement{Hosts: hosts}
	if len(hosts) > 0 {
		if err := nodepool.WriteHostfile(ws.HostfilePath(), hosts); err != nil {
			sj.fail(ctx, &job.LaunchError{SubjobID: id, Locator: sj.target.Locator, ExitCode: -1, Err: fmt.Errorf("write hostfile: %w", err)})
			return
		}
		placement.Hostfile = ws.HostfilePath()
	}

	cmd := launch.Command{
		Request:     sj.request(rec.ThreadsPerProcess),
		RequestPath: ws.RequestPath(),
		ResponseDir: ws.ResponseDir(),
	}

	sj.transition(ctx, events.TypeLaunched, ledger.SubjobUpdate{Status: job.StatusLaunched})
	metrics.CounterSubjobsLaunched.Inc()
	sj.logger.Info("launching worker group", "processes", rec.Processes, "hosts", hosts)

	start := time.Now()
	status, err := o.launcher.Launch(ctx, cmd, placement)
	sj.out.Duration = time.Since(start)
	sj.out.Stderr = status.Stderr
	metrics.HistogramSubjobDuration.Observe(sj.out.Duration.Seconds())

	switch {
	case err != nil:
		var launchErr *job.LaunchError
		if !errors.As(err, &launchErr) {
			err = &job.LaunchError{SubjobID: id, Locator: sj.target.Locator, ExitCode: -1, Err: err}
		}
		sj.fail(ctx, err)
	case !status.OK():
		sj.fail(ctx, &job.LaunchError{SubjobID: id, Locator: sj.target.Locator, ExitCode: status.ExitCode, Err: errors.New(status.Failure())})
	default:
		sj.succeed(ctx, status)
	}
}

func (sj *subjob) request(threads int) protocol.Request {
	e, t := sj.entry, sj.target
	req := protocol.Request{
		RunID:       sj.runID,
		SubjobID:    sj.out.SubjobID,
		EntryID:     e.ID,
		Backend:     e.Backend,
		Format:      e.Format,
		Locator:     t.Locator,
		Offset:      t.Offset,
		Size:        t.Size,
		Destination: e.Destination,
		Description: e.Description,
		ChunkSize:   sj.o.settings.ChunkSize,
		Threads:     threads,
		Progress:    sj.o.settings.Progress,
	}
	// An entry hash describes a single object's range.
	if len(e.Targets) == 1 {
		req.Hash = e.Hash
	}
	if sj.o.settings.Timeout > 0 {
		req.DeadlineAt = time.Now().Add(sj.o.settings.Timeout).UTC()
	}
	return req
}

func (sj *subjob) release(allocated []string) {
	if err := sj.o.pool.Release(allocated); err != nil {
		sj.logger.Error("failed to release nodes", "nodes", allocated, "error", err)
	}
	metrics.ObservePool(sj.o.pool)
	sj.o.events.Publish(events.TypeNodesReleased, sj.payload(""))
	sj.logger.Debug("nodes released", "nodes", allocated)
}

func (sj *subjob) succeed(ctx context.Context, status launch.Status) {
	sj.out.Succeeded = true
	bytes := status.BytesProcessed()
	metrics.CounterSubjobsCompleted.WithLabelValues(metrics.Outcome(true)).Inc()
	metrics.CounterBytesIngested.Add(float64(bytes))

	p := sj.payload("")
	p.Bytes = bytes
	sj.record(context.WithoutCancel(ctx), ledger.SubjobUpdate{Status: job.StatusSucceeded, Stderr: status.Stderr})
	sj.o.events.Publish(events.TypeSucceeded, p)
	sj.logger.Info("sub-job succeeded", "bytes", bytes, "duration", sj.out.Duration)
}

// fail records the failure with entry id, locator and byte range.
func (sj *subjob) fail(ctx context.Context, err error) {
	t := sj.target
	detail := fmt.Sprintf("entry %s: %s [%d,%d): %v", sj.entry.ID, t.Locator, t.Offset, t.End(), err)
	sj.out.Succeeded = false
	sj.out.Error = detail
	metrics.CounterSubjobsCompleted.WithLabelValues(metrics.Outcome(false)).Inc()

	sj.record(context.WithoutCancel(ctx), ledger.SubjobUpdate{Status: job.StatusFailed, Error: detail, Stderr: sj.out.Stderr})
	sj.o.events.Publish(events.TypeFailed, sj.payload(detail))
	sj.logger.Error("sub-job failed", "kind", job.KindOf(err), "error", err)
}

func (sj *subjob) transition(ctx context.Context, eventType string, u ledger.SubjobUpdate) {
	sj.record(ctx, u)
	sj.o.events.Publish(eventType, sj.payload(""))
}

func (sj *subjob) record(ctx context.Context, u ledger.SubjobUpdate) {
	if sj.o.ledger == nil {
		return
	}
	if err := sj.o.ledger.UpdateSubjob(ctx, sj.out.SubjobID, u); err != nil {
		sj.logger.Warn("failed to record sub-job transition", "status", u.Status, "error", err)
	}
}

func (sj *subjob) payload(errMsg string) events.Subjob {
	return events.Subjob{
		RunID:     sj.runID,
		SubjobID:  sj.out.SubjobID,
		EntryID:   sj.entry.ID,
		Locator:   sj.target.Locator,
		Offset:    sj.target.Offset,
		Size:      sj.target.Size,
		Processes: sj.out.Processes,
		Hosts:     sj.out.Hosts,
		Error:     errMsg,
	}
}
