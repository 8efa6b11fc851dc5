package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// LocalBlobStore stores blobs on the local filesystem.
type LocalBlobStore struct {
	baseDir string
	mu      sync.RWMutex
	blobs   map[string]*BlobInfo
}

func NewLocalBlobStore(baseDir string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalBlobStore{
		baseDir: baseDir,
		blobs:   make(map[string]*BlobInfo),
	}, nil
}

func (s *LocalBlobStore) Save(_ context.Context, name string, format string, reader io.Reader) (*BlobInfo, error) {
	id := flow.GenerateID("blob")
	storedName := id
	if format != "" {
		storedName += "." + format
	}
	fullPath := filepath.Join(s.baseDir, storedName)

	f, err := os.Create(fullPath)
	if err != nil {
		return nil, fmt.Errorf("create blob file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, reader)
	if err != nil {
		os.Remove(fullPath)
		return nil, fmt.Errorf("write blob: %w", err)
	}

	info := &BlobInfo{
		ID:        id,
		Name:      name,
		Format:    format,
		Size:      n,
		Path:      storedName,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.blobs[id] = info
	s.mu.Unlock()

	return info, nil
}

func (s *LocalBlobStore) Get(_ context.Context, id string) (*BlobInfo, io.ReadCloser, error) {
	s.mu.RLock()
	info, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}

	fullPath := filepath.Join(s.baseDir, info.Path)
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open blob: %w", err)
	}
	return info, f, nil
}

func (s *LocalBlobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	info, ok := s.blobs[id]
	if ok {
		delete(s.blobs, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}

	fullPath := filepath.Join(s.baseDir, info.Path)
	return os.Remove(fullPath)
}

func (s *LocalBlobStore) List(_ context.Context) ([]BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]BlobInfo, 0, len(s.blobs))
	for _, info := range s.blobs {
		result = append(result, *info)
	}
	return result, nil
}
