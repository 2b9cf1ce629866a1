package job

import (
	"fmt"
	"time"
)

// Status is the lifecycle position of a sub-job.
type Status string

const (
	StatusPending        Status = "pending"
	StatusScaleComputed  Status = "scale_computed"
	StatusNodesAllocated Status = "nodes_allocated"
	StatusLaunched       Status = "launched"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusNodesReleased  Status = "nodes_released"
)

// Terminal reports whether s is a final outcome status.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Target is one expanded source locator of an entry with its resolved byte range.
type Target struct {
	Locator string
	Offset  uint64
	Size    uint64
}

// End returns the exclusive end offset of the target range.
func (t Target) End() uint64 { return t.Offset + t.Size }

// Entry is one requested unit of ingestion work.
//
// Offset and Size are the values requested in the job description. Targets
// hold one resolved range per expanded locator; a zero requested size has
// already been turned into "rest of object" for each of them.
type Entry struct {
	ID          string
	Job         string
	MaxScale    int
	Backend     string
	Format      string
	Locators    []string
	Offset      uint64
	Size        uint64
	Description []string
	Hash        string
	Destination string
	Targets     []Target
}

// SubjobOutcome is the result of ingesting one target of an entry.
type SubjobOutcome struct {
	SubjobID  string        `json:"subjob_id"`
	Locator   string        `json:"locator"`
	Offset    uint64        `json:"offset"`
	Size      uint64        `json:"size"`
	Processes int           `json:"processes"`
	Hosts     []string      `json:"hosts,omitempty"`
	Succeeded bool          `json:"succeeded"`
	Error     string        `json:"error,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Outcome is the immutable result for one Entry.
type Outcome struct {
	EntryID   string          `json:"entry_id"`
	Succeeded bool            `json:"succeeded"`
	Detail    string          `json:"detail,omitempty"`
	Subjobs   []SubjobOutcome `json:"subjobs"`
}

// NewOutcome folds sub-job results into the entry outcome. The entry succeeds
// only if every sub-job did.
func NewOutcome(entryID string, subjobs []SubjobOutcome) Outcome {
	out := Outcome{EntryID: entryID, Succeeded: len(subjobs) > 0, Subjobs: subjobs}
	failed := 0
	for _, s := range subjobs {
		if !s.Succeeded {
			out.Succeeded = false
			failed++
		}
	}
	switch {
	case len(subjobs) == 0:
		out.Detail = "entry has no targets"
	case failed > 0:
		out.Detail = fmt.Sprintf("%d of %d sub-jobs failed", failed, len(subjobs))
	}
	return out
}

// AllSucceeded is the logical AND of outcomes.
func AllSucceeded(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if !o.Succeeded {
			return false
		}
	}
	return true
}
