package flow

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultHandle is the implicit port name used when an edge does not name
// a source or target handle.
const DefaultHandle = "default"

// Flow is a directed acyclic graph of typed operator nodes.
type Flow struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Version   string         `json:"version,omitempty"`
	Nodes     []Node         `json:"nodes"`
	Edges     []Edge         `json:"edges"`
	CreatedAt time.Time      `json:"createdAt,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Node is a single operator within a flow. Data carries the kind-specific
// payload as a free-form object so unknown fields survive a round trip.
type Node struct {
	ID       string         `json:"id"`
	Kind     NodeKind       `json:"type"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data,omitempty"`
}

// Position is the node's editor placement. The engine never interprets it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge connects a source node's output port to a target node's input port.
// A nil handle means the "default" port.
type Edge struct {
	ID           string  `json:"id"`
	Source       string  `json:"source"`
	SourceHandle *string `json:"sourceHandle,omitempty"`
	Target       string  `json:"target"`
	TargetHandle *string `json:"targetHandle,omitempty"`
}

// SourceName returns the edge's source port name, defaulting to "default".
func (e Edge) SourceName() string {
	if e.SourceHandle == nil || *e.SourceHandle == "" {
		return DefaultHandle
	}
	return *e.SourceHandle
}

// TargetName returns the edge's target port name, defaulting to "default".
func (e Edge) TargetName() string {
	if e.TargetHandle == nil || *e.TargetHandle == "" {
		return DefaultHandle
	}
	return *e.TargetHandle
}

// Parse decodes a flow document from its JSON wire format.
func Parse(data []byte) (*Flow, error) {
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse flow: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks referential integrity: every edge endpoint must name a
// node present in the flow, and node ids must be unique. Cycle detection
// is the scheduler's concern.
func (f *Flow) Validate() error {
	seen := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" {
			return &Error{Kind: ErrValidation, Message: "node with empty id"}
		}
		if seen[n.ID] {
			return &Error{Kind: ErrValidation, Message: fmt.Sprintf("duplicate node id: %s", n.ID)}
		}
		seen[n.ID] = true
	}
	for _, e := range f.Edges {
		if !seen[e.Source] {
			return &Error{Kind: ErrValidation, Message: fmt.Sprintf("edge %s references unknown node: %s", e.ID, e.Source)}
		}
		if !seen[e.Target] {
			return &Error{Kind: ErrValidation, Message: fmt.Sprintf("edge %s references unknown node: %s", e.ID, e.Target)}
		}
	}
	return nil
}

// Node returns the node with the given id, or nil.
func (f *Flow) Node(id string) *Node {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// IncomingEdges returns the edges targeting the given node, in declaration
// order. When several edges feed the same target handle, the last one wins
// during input gathering.
func (f *Flow) IncomingEdges(nodeID string) []Edge {
	var edges []Edge
	for _, e := range f.Edges {
		if e.Target == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// InputNodes returns every node of an input kind, legacy aliases included.
func (f *Flow) InputNodes() []Node {
	var nodes []Node
	for _, n := range f.Nodes {
		if n.Kind.IsInput() {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// OutputNodes returns every node of an output kind.
func (f *Flow) OutputNodes() []Node {
	var nodes []Node
	for _, n := range f.Nodes {
		if n.Kind.IsOutput() {
			nodes = append(nodes, n)
		}
	}
	return nodes
}
