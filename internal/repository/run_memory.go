package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

const maxRunRecords = 1000

// MemoryRunRepository stores run records in memory with FIFO eviction.
type MemoryRunRepository struct {
	mu        sync.RWMutex
	records   map[string]*flow.Run
	artifacts map[string][]flow.Artifact
	order     []string // insertion order for FIFO eviction
}

func NewMemoryRunRepository() *MemoryRunRepository {
	return &MemoryRunRepository{
		records:   make(map[string]*flow.Run),
		artifacts: make(map[string][]flow.Artifact),
	}
}

func (r *MemoryRunRepository) Create(_ context.Context, run *flow.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[run.ID]; exists {
		return ErrConflict
	}
	// FIFO eviction when at capacity.
	if len(r.order) >= maxRunRecords {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.records, oldest)
		delete(r.artifacts, oldest)
	}
	cp := *run
	r.records[run.ID] = &cp
	r.order = append(r.order, run.ID)
	return nil
}

func (r *MemoryRunRepository) Get(_ context.Context, id string) (*flow.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryRunRepository) Update(_ context.Context, run *flow.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[run.ID]; !ok {
		return ErrNotFound
	}
	cp := *run
	r.records[run.ID] = &cp
	return nil
}

func (r *MemoryRunRepository) List(_ context.Context, filter RunFilter) ([]*flow.Run, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var filtered []*flow.Run
	for _, rec := range r.records {
		if filter.matches(rec) {
			cp := *rec
			filtered = append(filtered, &cp)
		}
	}
	// Newest first.
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	total := len(filtered)
	limit, offset := filter.page()
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (r *MemoryRunRepository) ListExpired(_ context.Context, cutoff time.Time) ([]*flow.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*flow.Run
	for _, rec := range r.records {
		if rec.Status == flow.RunExpired || !rec.Status.Terminal() {
			continue
		}
		if rec.ExpiresAt.Before(cutoff) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRunRepository) AddArtifacts(_ context.Context, runID string, artifacts []flow.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[runID]; !ok {
		return ErrNotFound
	}
	r.artifacts[runID] = append(r.artifacts[runID], artifacts...)
	return nil
}

func (r *MemoryRunRepository) GetArtifacts(_ context.Context, runID string) ([]flow.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]flow.Artifact, len(r.artifacts[runID]))
	copy(out, r.artifacts[runID])
	return out, nil
}

func (r *MemoryRunRepository) DeleteArtifacts(_ context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.artifacts, runID)
	return nil
}
