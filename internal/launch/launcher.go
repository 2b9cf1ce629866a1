// Package launch starts worker groups: one process (or goroutine) per rank,
// all cooperating on the same job range, and waits for them collectively.
package launch

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattjoyce/scatter/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_launcher.go -package=mocks github.com/mattjoyce/scatter/internal/launch Launcher

// Launcher spawns a worker group and blocks until every rank is done.
// A non-nil error means the group could not be started at all; rank
// failures are reported through Status.
type Launcher interface {
	Launch(ctx context.Context, cmd Command, placement Placement) (Status, error)
}

// Command describes what every rank runs. Request is a template: the
// launcher fills in Rank, WorldSize and Host per rank.
type Command struct {
	Request protocol.Request

	// RequestPath and ResponseDir point into the sub-job workspace for
	// launchers that hand the request over as a file.
	RequestPath string
	ResponseDir string
}

// Placement is where ranks run. Hosts has one entry per rank; empty means
// the launcher's default placement.
type Placement struct {
	Hosts    []string
	Hostfile string
}

// RankResult is the outcome of one rank.
type RankResult struct {
	Rank     int                `json:"rank"`
	Host     string             `json:"host,omitempty"`
	ExitCode int                `json:"exit_code"`
	Response *protocol.Response `json:"response,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// OK reports whether the rank exited cleanly with an ok response.
func (r RankResult) OK() bool {
	return r.ExitCode == 0 && r.Error == "" && r.Response.OK()
}

// Status is the collective result of a worker group.
type Status struct {
	ExitCode int          `json:"exit_code"`
	Ranks    []RankResult `json:"ranks"`
	Stderr   string       `json:"stderr,omitempty"`
}

// OK reports whether every rank succeeded.
func (s Status) OK() bool { return s.ExitCode == 0 }

// BytesProcessed sums what the ranks reported.
func (s Status) BytesProcessed() uint64 {
	var total uint64
	for _, r := range s.Ranks {
		if r.Response != nil {
			total += r.Response.BytesProcessed
		}
	}
	return total
}

// Failure summarizes the failed ranks, empty when all succeeded.
func (s Status) Failure() string {
	var parts []string
	for _, r := range s.Ranks {
		if r.OK() {
			continue
		}
		msg := r.Error
		if msg == "" && r.Response != nil {
			msg = r.Response.Error
		}
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", r.ExitCode)
		}
		parts = append(parts, fmt.Sprintf("rank %d: %s", r.Rank, msg))
	}
	if len(parts) == 0 && s.ExitCode != 0 {
		return fmt.Sprintf("worker group exit status %d", s.ExitCode)
	}
	return strings.Join(parts, "; ")
}

// finish derives the group exit code from rank results: zero only when
// every rank succeeded, otherwise the first non-zero rank code (or 1).
func finish(ranks []RankResult, stderr string) Status {
	st := Status{Ranks: ranks, Stderr: truncateStderr(stderr)}
	for _, r := range ranks {
		if r.OK() {
			continue
		}
		st.ExitCode = r.ExitCode
		if st.ExitCode == 0 {
			st.ExitCode = 1
		}
		break
	}
	return st
}

// worldSize is the rank count of a placement.
func worldSize(p Placement, defaultRanks int) int {
	if len(p.Hosts) > 0 {
		return len(p.Hosts)
	}
	return max(defaultRanks, 1)
}

// rankRequest copies the template for one rank.
func rankRequest(tmpl protocol.Request, rank, world int, host string) protocol.Request {
	req := tmpl
	req.Protocol = protocol.Version
	req.Rank = rank
	req.WorldSize = world
	req.Host = host
	return req
}

func hostAt(p Placement, rank int) string {
	if rank < len(p.Hosts) {
		return p.Hosts[rank]
	}
	return ""
}
