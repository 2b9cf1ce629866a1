package launch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/scatter/internal/log"
	"github.com/mattjoyce/scatter/internal/protocol"
)

// RankFunc runs one rank inside the current process.
type RankFunc func(ctx context.Context, req protocol.Request) protocol.Response

// InProcessLauncher runs each rank as a goroutine. It serves single-node
// runs and tests; placement hosts only determine the rank count.
type InProcessLauncher struct {
	run          RankFunc
	defaultRanks int
	logger       *slog.Logger
}

var _ Launcher = (*InProcessLauncher)(nil)

// NewInProcess creates an InProcessLauncher around run.
func NewInProcess(run RankFunc, defaultRanks int) *InProcessLauncher {
	return &InProcessLauncher{run: run, defaultRanks: defaultRanks, logger: log.WithComponent("launch.inprocess")}
}

// Launch runs every rank and waits for all of them. A panicking rank is
// reported as a failed rank rather than taking the orchestrator down.
func (l *InProcessLauncher) Launch(ctx context.Context, cmd Command, placement Placement) (Status, error) {
	world := worldSize(placement, l.defaultRanks)
	ranks := make([]RankResult, world)

	var wg sync.WaitGroup
	for rank := range world {
		wg.Add(1)
		go func() {
			defer wg.Done()
			host := hostAt(placement, rank)
			res := RankResult{Rank: rank, Host: host}
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("rank panicked", "subjob_id", cmd.Request.SubjobID, "rank", rank, "panic", r)
					res.ExitCode = 2
					res.Error = fmt.Sprintf("panic: %v", r)
				}
				ranks[rank] = res
			}()

			resp := l.run(ctx, rankRequest(cmd.Request, rank, world, host))
			res.Response = &resp
			if !resp.OK() {
				res.ExitCode = 1
			}
		}()
	}
	wg.Wait()

	return finish(ranks, ""), nil
}
