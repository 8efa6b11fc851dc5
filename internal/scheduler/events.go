package scheduler

import (
	"sync"
	"time"
)

// EventType names one scheduler lifecycle event.
type EventType string

const (
	EventFlowStart     EventType = "flow:start"
	EventFlowFinish    EventType = "flow:finish"
	EventFlowError     EventType = "flow:error"
	EventFlowCancelled EventType = "flow:cancelled"
	EventNodeStart     EventType = "node:start"
	EventNodeFinish    EventType = "node:finish"
	EventNodeError     EventType = "node:error"
	EventProgress      EventType = "progress"
	EventWorkerReady   EventType = "worker:ready"
)

// Event is one lifecycle notification. Within a flow, node events are
// published in topological order; flow:start precedes and the terminal
// flow event succeeds every node event.
type Event struct {
	Type      EventType      `json:"type"`
	FlowID    string         `json:"flowId,omitempty"`
	NodeID    string         `json:"nodeId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventHandler consumes published events. Handlers must not block; delivery
// is synchronous on the scheduler goroutine.
type EventHandler func(Event)

// Bus fans scheduler events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := make([]EventHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}
