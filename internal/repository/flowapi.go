package repository

import (
	"context"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// FlowAPIRepository persists published flow API configurations. Slugs are
// unique across configurations; Create and Update return ErrConflict on a
// slug collision.
type FlowAPIRepository interface {
	Create(ctx context.Context, api *flow.FlowAPI) error
	Get(ctx context.Context, id string) (*flow.FlowAPI, error)
	GetBySlug(ctx context.Context, slug string) (*flow.FlowAPI, error)
	Update(ctx context.Context, api *flow.FlowAPI) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*flow.FlowAPI, error)
}
