package repository

import (
	"context"
	"time"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// RunRepository persists run records and their artifacts.
type RunRepository interface {
	Create(ctx context.Context, run *flow.Run) error
	Get(ctx context.Context, id string) (*flow.Run, error)
	Update(ctx context.Context, run *flow.Run) error
	List(ctx context.Context, filter RunFilter) ([]*flow.Run, int, error)
	// ListExpired returns runs in a terminal status whose TTL elapsed
	// before cutoff, excluding records already expired.
	ListExpired(ctx context.Context, cutoff time.Time) ([]*flow.Run, error)

	AddArtifacts(ctx context.Context, runID string, artifacts []flow.Artifact) error
	GetArtifacts(ctx context.Context, runID string) ([]flow.Artifact, error)
	DeleteArtifacts(ctx context.Context, runID string) error
}
