package repository

import (
	"context"
	"log/slog"

	"github.com/Nano112/polymerase-sub001/internal/db"
	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// PersistentFlowRepository writes flows through to PostgreSQL while serving
// reads from memory first.
type PersistentFlowRepository struct {
	mem *MemoryFlowRepository
	db  *db.DB
}

func NewPersistentFlowRepository(mem *MemoryFlowRepository, database *db.DB) *PersistentFlowRepository {
	return &PersistentFlowRepository{mem: mem, db: database}
}

// Load hydrates the in-memory cache from the database at startup.
func (r *PersistentFlowRepository) Load(ctx context.Context) error {
	flows, err := r.db.ListFlows(ctx)
	if err != nil {
		return err
	}
	for _, f := range flows {
		if err := r.mem.Create(ctx, f); err != nil {
			slog.Warn("skipping flow during load", "id", f.ID, "err", err)
		}
	}
	return nil
}

func (r *PersistentFlowRepository) Create(ctx context.Context, f *flow.Flow) error {
	if err := r.mem.Create(ctx, f); err != nil {
		return err
	}
	if err := r.db.CreateFlow(ctx, f); err != nil {
		slog.Warn("db create flow failed, in-memory only", "err", err)
	}
	return nil
}

func (r *PersistentFlowRepository) Get(ctx context.Context, id string) (*flow.Flow, error) {
	f, err := r.mem.Get(ctx, id)
	if err == nil {
		return f, nil
	}
	dbFlow, dbErr := r.db.GetFlow(ctx, id)
	if dbErr != nil {
		return nil, err
	}
	_ = r.mem.Create(ctx, dbFlow)
	return dbFlow, nil
}

func (r *PersistentFlowRepository) Update(ctx context.Context, f *flow.Flow) error {
	if err := r.mem.Update(ctx, f); err != nil {
		return err
	}
	if err := r.db.UpdateFlow(ctx, f); err != nil {
		slog.Warn("db update flow failed, in-memory only", "err", err)
	}
	return nil
}

func (r *PersistentFlowRepository) Delete(ctx context.Context, id string) error {
	if err := r.mem.Delete(ctx, id); err != nil {
		return err
	}
	if err := r.db.DeleteFlow(ctx, id); err != nil {
		slog.Warn("db delete flow failed, in-memory only", "err", err)
	}
	return nil
}

func (r *PersistentFlowRepository) List(ctx context.Context) ([]*flow.Flow, error) {
	return r.mem.List(ctx)
}
