package scheduler

import (
	"time"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// Status is a flow execution's overall state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// NodeStatus is one node's state within an execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeError     NodeStatus = "error"
	NodeSkipped   NodeStatus = "skipped"
)

// NodeState records one node's outcome.
type NodeState struct {
	Status   NodeStatus     `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Error    *flow.Error    `json:"error,omitempty"`
	Cached   bool           `json:"cached,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// ExecutionState is the final report of one ExecuteFlow call. Outputs holds
// the flow's final output mapping: one entry per output-kind node whose
// input was non-nil, keyed by label. Viewer and code outputs never appear.
type ExecutionState struct {
	FlowID      string               `json:"flowId"`
	Status      Status               `json:"status"`
	Nodes       map[string]NodeState `json:"nodes"`
	Outputs     map[string]any       `json:"outputs"`
	Error       *flow.Error          `json:"error,omitempty"`
	StartedAt   time.Time            `json:"startedAt"`
	CompletedAt time.Time            `json:"completedAt"`
}
