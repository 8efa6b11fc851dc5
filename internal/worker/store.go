package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// Handle is one live value parked inside a runtime. The value never crosses
// the worker boundary directly; callers reference it by id and pull an
// encoded copy through get_data when they really need the bytes.
type Handle struct {
	ID        string
	Value     any
	Format    string
	CreatedAt time.Time
	Metadata  map[string]any
}

// Store is the runtime's map of handle id to live value. Safe for concurrent
// use; destroyed with the worker.
type Store struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

func NewStore() *Store {
	return &Store{handles: make(map[string]Handle)}
}

// Put parks a value and returns its handle id.
func (s *Store) Put(value any, format string, metadata map[string]any) string {
	h := Handle{
		ID:        uuid.NewString(),
		Value:     value,
		Format:    format,
		CreatedAt: time.Now(),
		Metadata:  metadata,
	}
	s.mu.Lock()
	s.handles[h.ID] = h
	s.mu.Unlock()
	return h.ID
}

// Get returns the handle for id.
func (s *Store) Get(id string) (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[id]
	return h, ok
}

// Release drops the handle, reporting whether it existed.
func (s *Store) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[id]; !ok {
		return false
	}
	delete(s.handles, id)
	return true
}

// List describes every stored handle plus aggregate statistics, ordered by
// creation time.
func (s *Store) List() ListResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := ListResult{Handles: make([]HandleInfo, 0, len(s.handles))}
	for _, h := range s.handles {
		size := valueSize(h.Value)
		out.Handles = append(out.Handles, HandleInfo{
			ID:        h.ID,
			Format:    h.Format,
			Size:      size,
			CreatedAt: h.CreatedAt,
			Metadata:  h.Metadata,
		})
		out.Stats.TotalBytes += size
	}
	out.Stats.Count = len(out.Handles)
	sort.Slice(out.Handles, func(i, j int) bool {
		return out.Handles[i].CreatedAt.Before(out.Handles[j].CreatedAt)
	})
	return out
}

// Len reports the number of stored handles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

// valueSize reports a byte size where one is knowable without serializing.
func valueSize(v any) int64 {
	switch t := v.(type) {
	case []byte:
		return int64(len(t))
	case string:
		return int64(len(t))
	case flow.Schematic:
		if raw, err := t.ToSchematic(); err == nil {
			return int64(len(raw))
		}
	}
	return 0
}
