package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/scatter/internal/partition"
)

// BuildReport renders a terminal-friendly report of one run.
func BuildReport(ctx context.Context, l *Ledger, runID string) (string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", fmt.Errorf("run_id is required")
	}
	r, err := l.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", r.ID)
	fmt.Fprintf(&out, "Job         : %s\n", r.JobName)
	fmt.Fprintf(&out, "Job file    : %s\n", renderUnset(r.JobFile, "<inline>"))
	fmt.Fprintf(&out, "Status      : %s\n", r.Status)
	fmt.Fprintf(&out, "Entries     : %d\n", r.Entries)
	fmt.Fprintf(&out, "Started     : %s\n", r.CreatedAt.Format(time.RFC3339))
	if r.CompletedAt != nil {
		fmt.Fprintf(&out, "Completed   : %s (%s)\n", r.CompletedAt.Format(time.RFC3339), r.CompletedAt.Sub(r.CreatedAt).Round(time.Millisecond))
	}
	if r.LastError != nil {
		fmt.Fprintf(&out, "Error       : %s\n", *r.LastError)
	}
	fmt.Fprintf(&out, "\n")

	for i, s := range r.Subjobs {
		fmt.Fprintf(&out, "[%d] %s :: %s\n", i+1, s.EntryID, s.Locator)
		fmt.Fprintf(&out, "    subjob     : %s\n", s.ID)
		fmt.Fprintf(&out, "    status     : %s\n", s.Status)
		fmt.Fprintf(&out, "    range      : [%d,%d) %s\n", s.Offset, s.Offset+s.Size, humanize.IBytes(s.Size))
		fmt.Fprintf(&out, "    processes  : %d\n", s.Processes)
		if split := rankSplit(s); split != "" {
			fmt.Fprintf(&out, "    rank split : %s\n", split)
		}
		if len(s.Hosts) == 0 {
			fmt.Fprintf(&out, "    hosts      : <default placement>\n")
		} else {
			fmt.Fprintf(&out, "    hosts      : %s\n", strings.Join(s.Hosts, ","))
		}
		if s.StartedAt != nil && s.CompletedAt != nil {
			fmt.Fprintf(&out, "    duration   : %s\n", s.CompletedAt.Sub(*s.StartedAt).Round(time.Millisecond))
		}
		if s.LastError != nil {
			fmt.Fprintf(&out, "    error      : %s\n", *s.LastError)
		}
		if s.Stderr != nil && strings.TrimSpace(*s.Stderr) != "" {
			fmt.Fprintf(&out, "    stderr     :\n")
			for _, line := range strings.Split(strings.TrimRight(*s.Stderr, "\n"), "\n") {
				fmt.Fprintf(&out, "      %s\n", line)
			}
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the run with its sub-jobs as indented JSON.
func BuildJSONReport(ctx context.Context, l *Ledger, runID string) (string, error) {
	r, err := l.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// maxListedRanks bounds how many rank ranges the report spells out.
const maxListedRanks = 8

// rankSplit describes how the sub-job range was divided between its ranks.
func rankSplit(s Subjob) string {
	if s.Processes < 2 {
		return ""
	}
	ranges, err := partition.Partition(s.Offset, s.Size, s.Processes)
	if err != nil {
		return ""
	}
	if len(ranges) > maxListedRanks {
		base := s.Size / uint64(s.Processes)
		extra := s.Size % uint64(s.Processes)
		return fmt.Sprintf("%d ranks of %s, first %d one byte larger", s.Processes, humanize.IBytes(base), extra)
	}
	parts := make([]string, len(ranges))
	for i, rg := range ranges {
		parts[i] = fmt.Sprintf("[%d,%d)", rg.Begin, rg.End)
	}
	return strings.Join(parts, " ")
}
