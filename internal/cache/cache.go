// Package cache tracks per-node execution results for one flow and
// propagates staleness downstream when inputs change. It is the contract
// between the editor and the scheduler: a re-run executes exactly the
// nodes whose records are not completed.
package cache

import (
	"sync"
	"time"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// Status is the lifecycle state of one node's cache record.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStale     Status = "stale"
	StatusError     Status = "error"
)

// Record is one node's cached result. A completed record always carries an
// output; an error record always carries an error message.
type Record struct {
	Status         Status         `json:"status"`
	Output         map[string]any `json:"output,omitempty"`
	Error          *string        `json:"error,omitempty"`
	LastExecutedAt time.Time      `json:"lastExecutedAt,omitzero"`
	ExecutionTime  time.Duration  `json:"executionTime"`
	Generation     uint64         `json:"generation"`
}

// Fields carries the optional data attached to a status transition.
// Nil members preserve the record's previous values.
type Fields struct {
	Output        map[string]any
	Error         *string
	ExecutionTime *time.Duration
}

// Cache maps node ids to records and knows the flow's edges so it can
// walk downstream reachability. All methods are safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	records    map[string]*Record
	edges      []flow.Edge
	targets    map[string][]string // source node id → target node ids
	generation uint64
}

// New creates a cache seeded with an idle record per node.
func New(f *flow.Flow) *Cache {
	c := &Cache{records: make(map[string]*Record, len(f.Nodes))}
	for _, n := range f.Nodes {
		c.records[n.ID] = &Record{Status: StatusIdle}
	}
	c.setEdgesLocked(f.Edges)
	return c
}

// SetEdges replaces the edge set after a structural edit. Records are kept;
// the caller invalidates affected nodes separately.
func (c *Cache) SetEdges(edges []flow.Edge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setEdgesLocked(edges)
}

func (c *Cache) setEdgesLocked(edges []flow.Edge) {
	c.edges = make([]flow.Edge, len(edges))
	copy(c.edges, edges)
	c.targets = make(map[string][]string)
	for _, e := range edges {
		c.targets[e.Source] = append(c.targets[e.Source], e.Target)
	}
}

// SetOutput records a successful execution: status completed, output stored,
// execution timestamp stamped.
func (c *Cache) SetOutput(nodeID string, output map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.record(nodeID)
	c.generation++
	r.Status = StatusCompleted
	r.Output = output
	r.Error = nil
	r.LastExecutedAt = time.Now()
	r.Generation = c.generation
}

// SetStatus transitions a node's status, merging any supplied fields and
// preserving the rest.
func (c *Cache) SetStatus(nodeID string, status Status, fields Fields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.record(nodeID)
	c.generation++
	r.Status = status
	if fields.Output != nil {
		r.Output = fields.Output
	}
	if fields.Error != nil {
		r.Error = fields.Error
	}
	if fields.ExecutionTime != nil {
		r.ExecutionTime = *fields.ExecutionTime
	}
	if status == StatusCompleted {
		r.LastExecutedAt = time.Now()
	}
	r.Generation = c.generation
}

// Invalidate marks the node and every node transitively downstream of it
// as stale.
func (c *Cache) Invalidate(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.markStaleLocked(nodeID)
	c.invalidateDownstreamLocked(nodeID)
}

// InvalidateDownstream marks every node downstream of nodeID stale without
// touching nodeID itself. Used when the node has just produced a new value.
func (c *Cache) InvalidateDownstream(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.invalidateDownstreamLocked(nodeID)
}

// invalidateDownstreamLocked walks outgoing edges breadth-first.
func (c *Cache) invalidateDownstreamLocked(nodeID string) {
	visited := map[string]bool{nodeID: true}
	queue := append([]string(nil), c.targets[nodeID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		c.markStaleLocked(id)
		queue = append(queue, c.targets[id]...)
	}
}

func (c *Cache) markStaleLocked(nodeID string) {
	r := c.record(nodeID)
	r.Status = StatusStale
	r.Generation = c.generation
}

// ClearAll resets every known node to idle, dropping outputs and errors.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	for id := range c.records {
		c.records[id] = &Record{Status: StatusIdle, Generation: c.generation}
	}
}

// IsEdgeReady reports whether the edge's source node has completed, i.e.
// whether a value is available to flow across it.
func (c *Cache) IsEdgeReady(edgeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.edges {
		if e.ID == edgeID {
			r, ok := c.records[e.Source]
			return ok && r.Status == StatusCompleted
		}
	}
	return false
}

// Record returns a copy of the node's cache record.
func (c *Cache) Record(nodeID string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[nodeID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Snapshot returns a copy of all records, keyed by node id.
func (c *Cache) Snapshot() map[string]Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Record, len(c.records))
	for id, r := range c.records {
		out[id] = *r
	}
	return out
}

// Downstream returns the set of nodes reachable from nodeID over outgoing
// edges, excluding nodeID itself.
func (c *Cache) Downstream(nodeID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	visited := map[string]bool{nodeID: true}
	var out []string
	queue := append([]string(nil), c.targets[nodeID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		out = append(out, id)
		queue = append(queue, c.targets[id]...)
	}
	return out
}

// Generation returns the current mutation counter. Overlapping invalidations
// are ordered by it.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// record returns the node's record, creating an idle one for ids the cache
// has not seen (nodes added after construction).
func (c *Cache) record(nodeID string) *Record {
	r, ok := c.records[nodeID]
	if !ok {
		r = &Record{Status: StatusIdle}
		c.records[nodeID] = r
	}
	return r
}
