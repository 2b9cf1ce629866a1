package ledger

import (
	"errors"
	"time"

	"github.com/mattjoyce/scatter/internal/job"
)

// Run states.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

var ErrRunNotFound = errors.New("run not found")

// Run is one orchestrator invocation over a job file.
type Run struct {
	ID          string     `json:"id"`
	JobName     string     `json:"job_name"`
	JobFile     string     `json:"job_file,omitempty"`
	JobHash     string     `json:"job_hash,omitempty"`
	ConfigHash  string     `json:"config_hash,omitempty"`
	Status      string     `json:"status"`
	Entries     int        `json:"entries"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	Subjobs     []Subjob   `json:"subjobs,omitempty"`
}

// Subjob is one (entry, locator) worker group of a run.
type Subjob struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	EntryID     string     `json:"entry_id"`
	Locator     string     `json:"locator"`
	Offset      uint64     `json:"offset"`
	Size        uint64     `json:"size"`
	Processes   int        `json:"processes"`
	Hosts       []string   `json:"hosts,omitempty"`
	Status      job.Status `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	Stderr      *string    `json:"stderr,omitempty"`
}

// SubjobUpdate moves a sub-job to Status. Zero-valued fields are left as
// they are.
type SubjobUpdate struct {
	Status    job.Status
	Processes int
	Hosts     []string
	Error     string
	Stderr    string
}
