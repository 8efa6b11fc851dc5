package repository

import (
	"context"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// FlowRepository persists flow documents.
type FlowRepository interface {
	Create(ctx context.Context, f *flow.Flow) error
	Get(ctx context.Context, id string) (*flow.Flow, error)
	Update(ctx context.Context, f *flow.Flow) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*flow.Flow, error)
}
