package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// MemoryFlowRepository stores flow documents in memory.
type MemoryFlowRepository struct {
	mu    sync.RWMutex
	flows map[string]*flow.Flow
}

func NewMemoryFlowRepository() *MemoryFlowRepository {
	return &MemoryFlowRepository{flows: make(map[string]*flow.Flow)}
}

func (r *MemoryFlowRepository) Create(_ context.Context, f *flow.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.flows[f.ID]; exists {
		return ErrConflict
	}
	r.flows[f.ID] = copyFlow(f)
	return nil
}

func (r *MemoryFlowRepository) Get(_ context.Context, id string) (*flow.Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFlow(f), nil
}

func (r *MemoryFlowRepository) Update(_ context.Context, f *flow.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flows[f.ID]; !ok {
		return ErrNotFound
	}
	r.flows[f.ID] = copyFlow(f)
	return nil
}

func (r *MemoryFlowRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flows[id]; !ok {
		return ErrNotFound
	}
	delete(r.flows, id)
	return nil
}

func (r *MemoryFlowRepository) List(_ context.Context) ([]*flow.Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*flow.Flow, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, copyFlow(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// copyFlow duplicates the top-level slices so callers cannot mutate stored
// state. Node data maps stay shared; callers treat fetched flows as values
// to replace, not to edit in place.
func copyFlow(f *flow.Flow) *flow.Flow {
	cp := *f
	cp.Nodes = append([]flow.Node(nil), f.Nodes...)
	cp.Edges = append([]flow.Edge(nil), f.Edges...)
	return &cp
}
