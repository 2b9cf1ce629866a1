// Package events fans out run lifecycle events to in-process subscribers
// (the status API's SSE stream) with a small replay buffer.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types.
const (
	TypeRunStarted      = "run.started"
	TypeRunCompleted    = "run.completed"
	TypeScaleComputed   = "subjob.scale_computed"
	TypeNodesAllocated  = "subjob.nodes_allocated"
	TypeLaunched        = "subjob.launched"
	TypeSucceeded       = "subjob.succeeded"
	TypeFailed          = "subjob.failed"
	TypeNodesReleased   = "subjob.nodes_released"
	TypeWorkspaceLeaked = "subjob.workspace_leaked"
)

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Subjob is the payload of subjob.* events.
type Subjob struct {
	RunID     string   `json:"run_id"`
	SubjobID  string   `json:"subjob_id"`
	EntryID   string   `json:"entry_id"`
	Locator   string   `json:"locator"`
	Offset    uint64   `json:"offset"`
	Size      uint64   `json:"size"`
	Processes int      `json:"processes,omitempty"`
	Hosts     []string `json:"hosts,omitempty"`
	Bytes     uint64   `json:"bytes,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Run is the payload of run.* events.
type Run struct {
	RunID   string `json:"run_id"`
	Job     string `json:"job"`
	Entries int    `json:"entries"`
	Success *bool  `json:"success,omitempty"`
}

// Publisher is what producers depend on. A nil *Hub is a valid no-op
// Publisher.
type Publisher interface {
	Publish(eventType string, data any)
}

// Hub is an in-memory pub/sub with a ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   id,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Slow subscribers drop events rather than stall a sub-job.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a channel of new events and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := range h.size {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
