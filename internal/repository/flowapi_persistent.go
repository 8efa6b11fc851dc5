package repository

import (
	"context"
	"log/slog"

	"github.com/Nano112/polymerase-sub001/internal/db"
	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// PersistentFlowAPIRepository writes flow API configurations through to
// PostgreSQL while serving reads from memory first. The in-memory slug
// index stays authoritative for uniqueness checks.
type PersistentFlowAPIRepository struct {
	mem *MemoryFlowAPIRepository
	db  *db.DB
}

func NewPersistentFlowAPIRepository(mem *MemoryFlowAPIRepository, database *db.DB) *PersistentFlowAPIRepository {
	return &PersistentFlowAPIRepository{mem: mem, db: database}
}

// Load hydrates the in-memory cache from the database at startup.
func (r *PersistentFlowAPIRepository) Load(ctx context.Context) error {
	apis, err := r.db.ListFlowAPIs(ctx)
	if err != nil {
		return err
	}
	for _, api := range apis {
		if err := r.mem.Create(ctx, api); err != nil {
			slog.Warn("skipping flow api during load", "id", api.ID, "err", err)
		}
	}
	return nil
}

func (r *PersistentFlowAPIRepository) Create(ctx context.Context, api *flow.FlowAPI) error {
	if err := r.mem.Create(ctx, api); err != nil {
		return err
	}
	if err := r.db.CreateFlowAPI(ctx, api); err != nil {
		slog.Warn("db create flow api failed, in-memory only", "err", err)
	}
	return nil
}

func (r *PersistentFlowAPIRepository) Get(ctx context.Context, id string) (*flow.FlowAPI, error) {
	return r.mem.Get(ctx, id)
}

func (r *PersistentFlowAPIRepository) GetBySlug(ctx context.Context, slug string) (*flow.FlowAPI, error) {
	return r.mem.GetBySlug(ctx, slug)
}

func (r *PersistentFlowAPIRepository) Update(ctx context.Context, api *flow.FlowAPI) error {
	if err := r.mem.Update(ctx, api); err != nil {
		return err
	}
	if err := r.db.UpdateFlowAPI(ctx, api); err != nil {
		slog.Warn("db update flow api failed, in-memory only", "err", err)
	}
	return nil
}

func (r *PersistentFlowAPIRepository) Delete(ctx context.Context, id string) error {
	if err := r.mem.Delete(ctx, id); err != nil {
		return err
	}
	if err := r.db.DeleteFlowAPI(ctx, id); err != nil {
		slog.Warn("db delete flow api failed, in-memory only", "err", err)
	}
	return nil
}

func (r *PersistentFlowAPIRepository) List(ctx context.Context) ([]*flow.FlowAPI, error) {
	return r.mem.List(ctx)
}
