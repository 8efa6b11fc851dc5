// Package ratelimit enforces fixed-window request quotas for the published
// flow APIs. Counter state lives behind WindowStore: in-process for single
// instances, redis when multiple processes must share quotas. Consistency
// across processes is eventual and callers tolerate it.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is the quota window.
const DefaultWindow = time.Minute

// Result reports one admission decision plus the header values the HTTP
// surface exposes.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// WindowStore counts hits per key within a rolling fixed window. Incr
// returns the count including this hit and the instant the window resets.
type WindowStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, reset time.Time, err error)
}

// Limiter admits or rejects requests against a per-key limit.
type Limiter struct {
	store  WindowStore
	window time.Duration
}

func New(store WindowStore, window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{store: store, window: window}
}

// Allow counts one hit for key and decides admission. A non-positive limit
// disables limiting for the key.
func (l *Limiter) Allow(ctx context.Context, key string, limit int) (Result, error) {
	if limit <= 0 {
		return Result{Allowed: true, Limit: 0, Remaining: 0, Reset: time.Now().Add(l.window)}, nil
	}
	count, reset, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		return Result{}, err
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}

type memoryWindow struct {
	count int64
	reset time.Time
}

// MemoryStore keeps per-key windows in a mutex-guarded map. Suitable for a
// single-process deployment; state is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*memoryWindow)}
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok || now.After(w.reset) {
		w = &memoryWindow{reset: now.Add(window)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.reset, nil
}
