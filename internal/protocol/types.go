package protocol

import "time"

// Version is the only request envelope version workers accept.
const Version = 1

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// RankFromEnv in Request.Rank tells the worker to take its rank and world
// size from the MPI environment.
const RankFromEnv = -1

// Request is the envelope a worker rank receives, on stdin or as a file.
// Every rank of a group gets the full job range and partitions it itself.
type Request struct {
	Protocol    int      `json:"protocol"`
	RunID       string   `json:"run_id"`
	SubjobID    string   `json:"subjob_id"`
	EntryID     string   `json:"entry_id"`
	Rank        int      `json:"rank"`
	WorldSize   int      `json:"world_size"`
	Host        string   `json:"host,omitempty"`
	Backend     string   `json:"backend"`
	Format      string   `json:"format"`
	Locator     string   `json:"locator"`
	Offset      uint64   `json:"offset"`
	Size        uint64   `json:"size"`
	Hash        string   `json:"hash,omitempty"`
	Destination string   `json:"destination,omitempty"`
	Description []string `json:"description,omitempty"`
	ChunkSize   uint64   `json:"chunk_size"`
	Threads     int      `json:"threads"`
	Progress    string   `json:"progress"` // bar | log | none

	// ResponseDir, when set, makes the worker write rank-<n>.json there
	// instead of stdout. Used when ranks share a stdout (mpirun).
	ResponseDir string    `json:"response_dir,omitempty"`
	DeadlineAt  time.Time `json:"deadline_at,omitzero"`
}

// Response is what a worker rank reports back.
type Response struct {
	Status         string     `json:"status"` // ok | error
	Error          string     `json:"error,omitempty"`
	Kind           string     `json:"kind,omitempty"`
	Rank           int        `json:"rank"`
	Begin          uint64     `json:"begin"`
	End            uint64     `json:"end"`
	BytesProcessed uint64     `json:"bytes_processed"`
	Chunks         uint64     `json:"chunks"`
	Digest         string     `json:"digest,omitempty"`
	Verified       bool       `json:"verified,omitempty"`
	Logs           []LogEntry `json:"logs,omitempty"`
}

// LogEntry represents a log message from a worker.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// OK reports whether the rank succeeded.
func (r *Response) OK() bool { return r != nil && r.Status == StatusOK }
