package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

func TestMemoryRunRepository_CRUD(t *testing.T) {
	repo := NewMemoryRunRepository()
	ctx := context.Background()

	run := &flow.Run{
		ID:        "run_1",
		FlowID:    "flow_1",
		Status:    flow.RunPending,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, repo.Create(ctx, run))
	assert.ErrorIs(t, repo.Create(ctx, run), ErrConflict)

	got, err := repo.Get(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, flow.RunPending, got.Status)

	// Mutating the returned copy must not affect the stored record.
	got.Status = flow.RunRunning
	again, err := repo.Get(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, flow.RunPending, again.Status)

	run.Status = flow.RunCompleted
	require.NoError(t, repo.Update(ctx, run))
	got, err = repo.Get(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, flow.RunCompleted, got.Status)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Update(ctx, &flow.Run{ID: "missing"}), ErrNotFound)
}

func TestMemoryRunRepository_ListFiltersAndPages(t *testing.T) {
	repo := NewMemoryRunRepository()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		flowID := "flow_a"
		if i%2 == 1 {
			flowID = "flow_b"
		}
		require.NoError(t, repo.Create(ctx, &flow.Run{
			ID:        fmt.Sprintf("run_%d", i),
			FlowID:    flowID,
			Status:    flow.RunCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			ExpiresAt: base.Add(time.Hour),
		}))
	}

	runs, total, err := repo.List(ctx, RunFilter{FlowID: "flow_a"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, runs, 3)
	assert.Equal(t, "run_4", runs[0].ID, "newest first")

	runs, total, err = repo.List(ctx, RunFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, runs, 2)
	assert.Equal(t, "run_2", runs[0].ID)

	runs, total, err = repo.List(ctx, RunFilter{Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, runs)
}

func TestMemoryRunRepository_FIFOEviction(t *testing.T) {
	repo := NewMemoryRunRepository()
	ctx := context.Background()

	for i := 0; i < maxRunRecords+1; i++ {
		require.NoError(t, repo.Create(ctx, &flow.Run{
			ID:        fmt.Sprintf("run_%d", i),
			FlowID:    "f",
			CreatedAt: time.Now(),
			ExpiresAt: time.Now().Add(time.Hour),
		}))
	}

	_, err := repo.Get(ctx, "run_0")
	assert.ErrorIs(t, err, ErrNotFound, "oldest record evicted")
	_, err = repo.Get(ctx, fmt.Sprintf("run_%d", maxRunRecords))
	assert.NoError(t, err)
}

func TestMemoryRunRepository_ListExpired(t *testing.T) {
	repo := NewMemoryRunRepository()
	ctx := context.Background()
	now := time.Now()

	mk := func(id string, status flow.RunStatus, expires time.Time) {
		require.NoError(t, repo.Create(ctx, &flow.Run{
			ID: id, FlowID: "f", Status: status,
			CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: expires,
		}))
	}
	mk("done_old", flow.RunCompleted, now.Add(-time.Minute))
	mk("done_fresh", flow.RunCompleted, now.Add(time.Hour))
	mk("running_old", flow.RunRunning, now.Add(-time.Minute))
	mk("already_expired", flow.RunExpired, now.Add(-time.Minute))

	expired, err := repo.ListExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "done_old", expired[0].ID)
}

func TestMemoryRunRepository_Artifacts(t *testing.T) {
	repo := NewMemoryRunRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &flow.Run{ID: "run_1", FlowID: "f"}))

	arts := []flow.Artifact{
		{ID: "art_1", RunID: "run_1", Name: "model", Category: flow.ArtifactSchematic},
		{ID: "art_2", RunID: "run_1", Name: "dump", Category: flow.ArtifactData},
	}
	require.NoError(t, repo.AddArtifacts(ctx, "run_1", arts))
	assert.ErrorIs(t, repo.AddArtifacts(ctx, "missing", arts), ErrNotFound)

	got, err := repo.GetArtifacts(ctx, "run_1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, repo.DeleteArtifacts(ctx, "run_1"))
	got, err = repo.GetArtifacts(ctx, "run_1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryFlowRepository(t *testing.T) {
	repo := NewMemoryFlowRepository()
	ctx := context.Background()

	f := &flow.Flow{ID: "flow_1", Name: "Sphere", Nodes: []flow.Node{{ID: "n1"}}}
	require.NoError(t, repo.Create(ctx, f))
	assert.ErrorIs(t, repo.Create(ctx, f), ErrConflict)

	got, err := repo.Get(ctx, "flow_1")
	require.NoError(t, err)
	assert.Equal(t, "Sphere", got.Name)

	// Node slices are copied.
	got.Nodes[0].ID = "mutated"
	again, _ := repo.Get(ctx, "flow_1")
	assert.Equal(t, "n1", again.Nodes[0].ID)

	f.Name = "Sphere v2"
	require.NoError(t, repo.Update(ctx, f))
	got, _ = repo.Get(ctx, "flow_1")
	assert.Equal(t, "Sphere v2", got.Name)

	flows, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, flows, 1)

	require.NoError(t, repo.Delete(ctx, "flow_1"))
	_, err = repo.Get(ctx, "flow_1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "flow_1"), ErrNotFound)
}

func TestMemoryFlowAPIRepository_SlugUniqueness(t *testing.T) {
	repo := NewMemoryFlowAPIRepository()
	ctx := context.Background()

	a := &flow.FlowAPI{ID: "api_1", FlowID: "flow_1", Slug: "sphere"}
	b := &flow.FlowAPI{ID: "api_2", FlowID: "flow_2", Slug: "sphere"}
	require.NoError(t, repo.Create(ctx, a))
	assert.ErrorIs(t, repo.Create(ctx, b), ErrConflict)

	b.Slug = "cube"
	require.NoError(t, repo.Create(ctx, b))

	got, err := repo.GetBySlug(ctx, "cube")
	require.NoError(t, err)
	assert.Equal(t, "api_2", got.ID)

	// Renaming onto a taken slug is rejected; the old slug stays live.
	b.Slug = "sphere"
	assert.ErrorIs(t, repo.Update(ctx, b), ErrConflict)
	_, err = repo.GetBySlug(ctx, "cube")
	assert.NoError(t, err)

	// A legitimate rename frees the old slug.
	b.Slug = "cuboid"
	require.NoError(t, repo.Update(ctx, b))
	_, err = repo.GetBySlug(ctx, "cube")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetBySlug(ctx, "cuboid")
	assert.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, "api_2"))
	_, err = repo.GetBySlug(ctx, "cuboid")
	assert.ErrorIs(t, err, ErrNotFound)
}
