package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestLocalBlobStore_SaveAndGet(t *testing.T) {
	store, err := NewLocalBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBlobStore: %v", err)
	}

	ctx := context.Background()
	content := "schematic bytes"
	info, err := store.Save(ctx, "model", "schem", strings.NewReader(content))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if info.Name != "model" {
		t.Errorf("name: got %q", info.Name)
	}
	if info.Format != "schem" {
		t.Errorf("format: got %q", info.Format)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("size: got %d, want %d", info.Size, len(content))
	}
	if info.ID == "" {
		t.Error("ID should not be empty")
	}

	gotInfo, reader, err := store.Get(ctx, info.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer reader.Close()

	if gotInfo.Name != "model" {
		t.Errorf("get name: got %q", gotInfo.Name)
	}

	buf := make([]byte, 1024)
	n, _ := reader.Read(buf)
	if string(buf[:n]) != content {
		t.Errorf("content: got %q", string(buf[:n]))
	}
}

func TestLocalBlobStore_Delete(t *testing.T) {
	store, err := NewLocalBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBlobStore: %v", err)
	}

	ctx := context.Background()
	info, err := store.Save(ctx, "temp", "bin", strings.NewReader("data"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := store.Delete(ctx, info.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, _, err = store.Get(ctx, info.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestLocalBlobStore_DeleteNotFound(t *testing.T) {
	store, err := NewLocalBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBlobStore: %v", err)
	}

	err = store.Delete(context.Background(), "nonexistent-id")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalBlobStore_List(t *testing.T) {
	store, err := NewLocalBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBlobStore: %v", err)
	}

	ctx := context.Background()

	blobs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(blobs) != 0 {
		t.Errorf("list empty: got %d", len(blobs))
	}

	store.Save(ctx, "a", "schem", strings.NewReader("aaa"))
	store.Save(ctx, "b", "png", strings.NewReader("bbb"))

	blobs, err = store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(blobs) != 2 {
		t.Errorf("list: got %d, want 2", len(blobs))
	}
}

func TestLocalBlobStore_SaveAppendsFormatExtension(t *testing.T) {
	store, err := NewLocalBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBlobStore: %v", err)
	}

	info, err := store.Save(context.Background(), "render", "png", strings.NewReader("png data"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasSuffix(info.Path, ".png") {
		t.Errorf("path should carry the format extension: got %q", info.Path)
	}
}
