package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// MemoryFlowAPIRepository stores flow API configurations in memory with a
// slug index enforcing uniqueness.
type MemoryFlowAPIRepository struct {
	mu     sync.RWMutex
	apis   map[string]*flow.FlowAPI
	bySlug map[string]string // slug -> id
}

func NewMemoryFlowAPIRepository() *MemoryFlowAPIRepository {
	return &MemoryFlowAPIRepository{
		apis:   make(map[string]*flow.FlowAPI),
		bySlug: make(map[string]string),
	}
}

func (r *MemoryFlowAPIRepository) Create(_ context.Context, api *flow.FlowAPI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.apis[api.ID]; exists {
		return ErrConflict
	}
	if _, taken := r.bySlug[api.Slug]; taken {
		return ErrConflict
	}
	cp := *api
	r.apis[api.ID] = &cp
	r.bySlug[api.Slug] = api.ID
	return nil
}

func (r *MemoryFlowAPIRepository) Get(_ context.Context, id string) (*flow.FlowAPI, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	api, ok := r.apis[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *api
	return &cp, nil
}

func (r *MemoryFlowAPIRepository) GetBySlug(_ context.Context, slug string) (*flow.FlowAPI, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySlug[slug]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r.apis[id]
	return &cp, nil
}

func (r *MemoryFlowAPIRepository) Update(_ context.Context, api *flow.FlowAPI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.apis[api.ID]
	if !ok {
		return ErrNotFound
	}
	if api.Slug != prev.Slug {
		if _, taken := r.bySlug[api.Slug]; taken {
			return ErrConflict
		}
		delete(r.bySlug, prev.Slug)
		r.bySlug[api.Slug] = api.ID
	}
	cp := *api
	r.apis[api.ID] = &cp
	return nil
}

func (r *MemoryFlowAPIRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	api, ok := r.apis[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.bySlug, api.Slug)
	delete(r.apis, id)
	return nil
}

func (r *MemoryFlowAPIRepository) List(_ context.Context) ([]*flow.FlowAPI, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*flow.FlowAPI, 0, len(r.apis))
	for _, api := range r.apis {
		cp := *api
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}
