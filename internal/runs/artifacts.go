package runs

import (
	"bytes"
	"context"
	"encoding/base64"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Nano112/polymerase-sub001/internal/flow"
	"github.com/Nano112/polymerase-sub001/internal/script"
	"github.com/Nano112/polymerase-sub001/internal/worker"
)

// DefaultInlineLimit is the largest artifact payload kept inline in the run
// record; anything bigger goes to the blob store and is referenced by URL.
const DefaultInlineLimit = 256 << 10

// extractArtifacts walks the final outputs and pulls binary values out into
// artifacts: schematic-capable values serialize to schematic blobs, raw byte
// buffers become data artifacts, and worker handle descriptors are
// materialized over the protocol. Plain JSON values pass through untouched.
// Keys are processed concurrently; the result map is complete on success.
func (s *Service) extractArtifacts(ctx context.Context, client *worker.Client, runID string, outputs map[string]any) (map[string]any, []flow.Artifact, error) {
	out := make(map[string]any, len(outputs))
	var arts []flow.Artifact
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for key, value := range outputs {
		g.Go(func() error {
			nv, art, err := s.extractValue(gctx, client, runID, key, value)
			if err != nil {
				return err
			}
			mu.Lock()
			out[key] = nv
			if art != nil {
				arts = append(arts, *art)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	sort.Slice(arts, func(i, j int) bool { return arts[i].Name < arts[j].Name })
	return out, arts, nil
}

func (s *Service) extractValue(ctx context.Context, client *worker.Client, runID, name string, value any) (any, *flow.Artifact, error) {
	switch v := value.(type) {
	case flow.Schematic:
		data, err := v.ToSchematic()
		if err != nil {
			return nil, nil, flow.Errorf(flow.ErrStorage, "serialize schematic %s: %v", name, err)
		}
		return s.makeArtifact(ctx, runID, name, flow.ArtifactSchematic, "schem", data)
	case []byte:
		return s.makeArtifact(ctx, runID, name, flow.ArtifactData, "binary", v)
	}

	if id, format, ok := script.HandleID(value); ok {
		if client == nil {
			return value, nil, nil
		}
		payload, err := client.GetData(ctx, id)
		if err != nil {
			return nil, nil, flow.Errorf(flow.ErrStorage, "materialize handle %s: %v", id, err)
		}
		str, isStr := payload.Data.(string)
		if !isStr {
			// A plain JSON handle value inlines directly.
			return payload.Data, nil, nil
		}
		data, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			data = []byte(str)
		}
		if format == "" {
			format = payload.Format
		}
		return s.makeArtifact(ctx, runID, name, flow.ArtifactData, format, data)
	}

	return value, nil, nil
}

// makeArtifact builds the artifact record and its descriptor replacement.
// Payloads over the inline limit land in the blob store.
func (s *Service) makeArtifact(ctx context.Context, runID, name string, category flow.ArtifactCategory, format string, data []byte) (any, *flow.Artifact, error) {
	art := &flow.Artifact{
		ID:        uuid.NewString(),
		RunID:     runID,
		Name:      name,
		Category:  category,
		Format:    format,
		Size:      int64(len(data)),
		CreatedAt: time.Now(),
	}
	desc := flow.BlobDescriptor{Format: format}

	if s.inlineLimit > 0 && int64(len(data)) > s.inlineLimit && s.blobs != nil {
		info, err := s.blobs.Save(ctx, name, format, bytes.NewReader(data))
		if err != nil {
			return nil, nil, flow.Errorf(flow.ErrStorage, "store blob %s: %v", name, err)
		}
		art.URL = "/api/v1/blobs/" + info.ID
		desc.URL = art.URL
	} else {
		art.Data = data
		desc.Data = data
	}
	return desc, art, nil
}
