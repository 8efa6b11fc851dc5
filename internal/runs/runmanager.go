package runs

import (
	"sync"
	"time"
)

// EventRecord is a timestamped execution event stored in the per-run buffer.
type EventRecord struct {
	Seq       int            `json:"seq"`
	Type      string         `json:"type"`
	NodeID    string         `json:"nodeId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// runEntry holds the live state for a single run: buffered events, the done
// flag, and subscriber wakeup channels.
type runEntry struct {
	mu          sync.RWMutex
	events      []EventRecord
	done        bool
	donePayload map[string]any
	subs        []chan struct{} // closed-and-replaced on each new event
	completedAt time.Time
}

// snapshot copies events from startSeq onward, registers a wakeup channel,
// and reports the run's done state.
func (e *runEntry) snapshot(startSeq int) (events []EventRecord, notify <-chan struct{}, done bool, donePayload map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if startSeq < len(e.events) {
		events = make([]EventRecord, len(e.events)-startSeq)
		copy(events, e.events[startSeq:])
	}

	ch := make(chan struct{})
	e.subs = append(e.subs, ch)

	return events, ch, e.done, e.donePayload
}

// RunManager tracks in-progress and recently finished executions with an
// in-memory per-run event buffer and subscriber fan-out. It feeds the SSE
// endpoint; the durable record lives in the run repository.
type RunManager struct {
	mu   sync.RWMutex
	runs map[string]*runEntry
	ttl  time.Duration
	stop chan struct{}
}

// NewRunManager keeps finished run buffers for the given TTL before
// garbage-collecting them.
func NewRunManager(ttl time.Duration) *RunManager {
	rm := &RunManager{
		runs: make(map[string]*runEntry),
		ttl:  ttl,
		stop: make(chan struct{}),
	}
	go rm.gc()
	return rm
}

// Stop terminates the GC goroutine.
func (rm *RunManager) Stop() {
	close(rm.stop)
}

// Register creates a new run entry. Call this when a run is created.
func (rm *RunManager) Register(runID string) {
	rm.mu.Lock()
	rm.runs[runID] = &runEntry{}
	rm.mu.Unlock()
}

// Append adds an event to the run's buffer and wakes all subscribers.
func (rm *RunManager) Append(runID string, ev EventRecord) {
	rm.mu.RLock()
	entry, ok := rm.runs[runID]
	rm.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	ev.Seq = len(entry.events)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	entry.events = append(entry.events, ev)
	subs := entry.subs
	entry.subs = nil
	entry.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// Complete marks a run as done with the given payload and wakes subscribers.
func (rm *RunManager) Complete(runID string, payload map[string]any) {
	rm.mu.RLock()
	entry, ok := rm.runs[runID]
	rm.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	entry.done = true
	entry.donePayload = payload
	entry.completedAt = time.Now()
	subs := entry.subs
	entry.subs = nil
	entry.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// Subscribe returns buffered events from startSeq onward, a channel that is
// closed when new events arrive, and the run's done state. found is false
// when the runID is not tracked.
func (rm *RunManager) Subscribe(runID string, startSeq int) (events []EventRecord, notify <-chan struct{}, done bool, donePayload map[string]any, found bool) {
	rm.mu.RLock()
	entry, ok := rm.runs[runID]
	rm.mu.RUnlock()
	if !ok {
		return nil, nil, false, nil, false
	}

	events, notify, done, donePayload = entry.snapshot(startSeq)
	return events, notify, done, donePayload, true
}

// gc periodically removes finished run entries past the TTL.
func (rm *RunManager) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rm.stop:
			return
		case <-ticker.C:
			rm.collectExpired()
		}
	}
}

func (rm *RunManager) collectExpired() {
	now := time.Now()
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for id, entry := range rm.runs {
		entry.mu.RLock()
		expired := entry.done && now.Sub(entry.completedAt) > rm.ttl
		entry.mu.RUnlock()
		if expired {
			delete(rm.runs, id)
		}
	}
}
