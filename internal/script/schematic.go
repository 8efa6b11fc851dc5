package script

import (
	"encoding/json"
	"fmt"
)

// Schematic is a structured value produced by the schematic(...) builtin.
// It serializes itself to bytes on demand, which is what turns it into an
// artifact when a run finishes.
type Schematic struct {
	Data any            `json:"data"`
	Meta map[string]any `json:"meta,omitempty"`
}

// ToSchematic serializes the value for artifact storage.
func (s Schematic) ToSchematic() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("serialize schematic: %w", err)
	}
	return raw, nil
}

// HandleKey marks a map value as a reference into a worker's handle store.
const HandleKey = "$handle"

// HandleRef builds the wire descriptor for a stored handle.
func HandleRef(id, format string) map[string]any {
	return map[string]any{HandleKey: id, "format": format}
}

// HandleID extracts the handle id and format from a descriptor, reporting
// whether the value is one.
func HandleID(v any) (id, format string, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap {
		return "", "", false
	}
	idv, has := m[HandleKey]
	if !has {
		return "", "", false
	}
	id, isStr := idv.(string)
	if !isStr || id == "" {
		return "", "", false
	}
	if f, hasFmt := m["format"].(string); hasFmt {
		format = f
	}
	return id, format, true
}
