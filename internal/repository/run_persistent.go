package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/Nano112/polymerase-sub001/internal/db"
	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// PersistentRunRepository wraps a MemoryRunRepository with a PostgreSQL
// backend. Writes go to both stores (DB failure is logged but non-fatal);
// reads try memory first, falling back to the database.
type PersistentRunRepository struct {
	mem *MemoryRunRepository
	db  *db.DB
}

func NewPersistentRunRepository(mem *MemoryRunRepository, database *db.DB) *PersistentRunRepository {
	return &PersistentRunRepository{mem: mem, db: database}
}

func (r *PersistentRunRepository) Create(ctx context.Context, run *flow.Run) error {
	if err := r.mem.Create(ctx, run); err != nil {
		return err
	}
	if err := r.db.CreateRun(ctx, run); err != nil {
		slog.Warn("db create run failed, in-memory only", "err", err)
	}
	return nil
}

func (r *PersistentRunRepository) Get(ctx context.Context, id string) (*flow.Run, error) {
	rec, err := r.mem.Get(ctx, id)
	if err == nil {
		return rec, nil
	}
	dbRec, dbErr := r.db.GetRun(ctx, id)
	if dbErr != nil {
		return nil, err // return original ErrNotFound
	}
	_ = r.mem.Create(ctx, dbRec)
	return dbRec, nil
}

func (r *PersistentRunRepository) Update(ctx context.Context, run *flow.Run) error {
	_ = r.mem.Update(ctx, run)
	if err := r.db.UpdateRun(ctx, run); err != nil {
		slog.Warn("db update run failed, in-memory only", "err", err)
	}
	return nil
}

func (r *PersistentRunRepository) List(ctx context.Context, filter RunFilter) ([]*flow.Run, int, error) {
	runs, total, err := r.db.ListRuns(ctx, db.RunQuery{
		FlowID:    filter.FlowID,
		FlowAPIID: filter.FlowAPIID,
		Status:    string(filter.Status),
		Limit:     filter.Limit,
		Offset:    filter.Offset,
	})
	if err == nil {
		return runs, total, nil
	}
	slog.Warn("db list runs failed, falling back to in-memory", "err", err)
	return r.mem.List(ctx, filter)
}

func (r *PersistentRunRepository) ListExpired(ctx context.Context, cutoff time.Time) ([]*flow.Run, error) {
	runs, err := r.db.ListExpiredRuns(ctx, cutoff)
	if err == nil {
		return runs, nil
	}
	slog.Warn("db list expired runs failed, falling back to in-memory", "err", err)
	return r.mem.ListExpired(ctx, cutoff)
}

func (r *PersistentRunRepository) AddArtifacts(ctx context.Context, runID string, artifacts []flow.Artifact) error {
	_ = r.mem.AddArtifacts(ctx, runID, artifacts)
	if err := r.db.AddArtifacts(ctx, artifacts); err != nil {
		slog.Warn("db add artifacts failed, in-memory only", "err", err)
	}
	return nil
}

func (r *PersistentRunRepository) GetArtifacts(ctx context.Context, runID string) ([]flow.Artifact, error) {
	arts, err := r.mem.GetArtifacts(ctx, runID)
	if err == nil && len(arts) > 0 {
		return arts, nil
	}
	dbArts, dbErr := r.db.GetArtifacts(ctx, runID)
	if dbErr != nil {
		return arts, err
	}
	return dbArts, nil
}

func (r *PersistentRunRepository) DeleteArtifacts(ctx context.Context, runID string) error {
	_ = r.mem.DeleteArtifacts(ctx, runID)
	if err := r.db.DeleteArtifacts(ctx, runID); err != nil {
		slog.Warn("db delete artifacts failed, in-memory only", "err", err)
	}
	return nil
}

// MarkOrphanedRunsFailed flips pending/running rows left behind by a crash
// to failed. Called once at startup; in-flight work lost on crash surfaces
// as failed rather than sticking at running forever.
func (r *PersistentRunRepository) MarkOrphanedRunsFailed(ctx context.Context) (int64, error) {
	return r.db.MarkOrphanedRunsFailed(ctx)
}
