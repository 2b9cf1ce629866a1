// Package nodepool hands out least-loaded cluster nodes to concurrent jobs.
package nodepool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownNode is returned by Release for ids not in the roster.
var ErrUnknownNode = errors.New("unknown node")

// NodeLoad is a point-in-time view of one node's counter.
type NodeLoad struct {
	Node     string `json:"node"`
	Assigned int    `json:"assigned"`
}

// Pool tracks how many worker processes are assigned to each roster node.
// nodes and load are indexed identically; load is only touched under mu.
type Pool struct {
	mu    sync.Mutex
	nodes []string
	index map[string]int
	load  []int
}

// New creates a pool over nodes. Repeated ids collapse onto their first
// occurrence so each node has exactly one counter. An empty roster yields an
// unconfigured pool whose Allocate returns no nodes.
func New(nodes []string) *Pool {
	p := &Pool{index: make(map[string]int, len(nodes))}
	for _, n := range nodes {
		if _, dup := p.index[n]; dup {
			continue
		}
		p.index[n] = len(p.nodes)
		p.nodes = append(p.nodes, n)
	}
	p.load = make([]int, len(p.nodes))
	return p
}

// Configured reports whether the pool has a roster.
func (p *Pool) Configured() bool { return p != nil && len(p.nodes) > 0 }

// Size returns the number of distinct roster nodes.
func (p *Pool) Size() int {
	if p == nil {
		return 0
	}
	return len(p.nodes)
}

// Allocate selects count nodes, least loaded first with ties broken by roster
// order, and increments each selected counter. When count exceeds the roster
// the sorted order is cycled again, so nodes are over-subscribed rather than
// the allocation failing.
func (p *Pool) Allocate(count int) []string {
	if !p.Configured() || count <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	order := make([]int, len(p.nodes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return p.load[order[a]] < p.load[order[b]]
	})

	out := make([]string, 0, count)
	for i := range count {
		idx := order[i%len(order)]
		p.load[idx]++
		out = append(out, p.nodes[idx])
	}
	return out
}

// Release decrements the counter of every listed node once per occurrence. It
// must be given exactly what Allocate returned. Unknown ids are skipped and
// reported; counters never drop below zero.
func (p *Pool) Release(nodes []string) error {
	if !p.Configured() || len(nodes) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var unknown []string
	for _, n := range nodes {
		idx, ok := p.index[n]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		if p.load[idx] > 0 {
			p.load[idx]--
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %v", ErrUnknownNode, unknown)
	}
	return nil
}

// Snapshot returns the current counters in roster order.
func (p *Pool) Snapshot() []NodeLoad {
	if !p.Configured() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]NodeLoad, len(p.nodes))
	for i, n := range p.nodes {
		out[i] = NodeLoad{Node: n, Assigned: p.load[i]}
	}
	return out
}

// TotalAssigned returns the sum of all counters.
func (p *Pool) TotalAssigned() int {
	total := 0
	for _, nl := range p.Snapshot() {
		total += nl.Assigned
	}
	return total
}

// Expand lays hosts out over n rank slots, cycling when n exceeds len(hosts).
// An empty hosts list stays empty so the launcher picks its default placement.
func Expand(hosts []string, n int) []string {
	if len(hosts) == 0 || n <= 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = hosts[i%len(hosts)]
	}
	return out
}
