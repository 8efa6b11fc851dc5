// Package storage holds artifact blobs too large to inline into run
// records. Blobs are referenced from outputs by URL and deleted when the
// owning run expires.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound reports a missing blob.
var ErrNotFound = errors.New("blob not found")

// BlobInfo describes a stored artifact blob.
type BlobInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Format    string    `json:"format"`
	Size      int64     `json:"size"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// BlobStore is the interface for artifact blob backends.
type BlobStore interface {
	// Save stores a blob and returns its metadata.
	Save(ctx context.Context, name string, format string, reader io.Reader) (*BlobInfo, error)
	// Get retrieves a blob by ID.
	Get(ctx context.Context, id string) (*BlobInfo, io.ReadCloser, error)
	// Delete removes a blob by ID.
	Delete(ctx context.Context, id string) error
	// List returns all stored blobs.
	List(ctx context.Context) ([]BlobInfo, error)
}
