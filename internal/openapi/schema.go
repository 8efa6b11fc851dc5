package openapi

import (
	"fmt"
	"math"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// InputParam is one exposed flow input derived from a non-constant input
// node. Name is the node's label, or its id when unlabeled.
type InputParam struct {
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	Step        *float64  `json:"step,omitempty"`
	Options     []string  `json:"options,omitempty"`
}

// OutputParam is one entry of the flow's final output mapping.
type OutputParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ExtractInputs lists the flow's exposed inputs. Two exposed inputs sharing
// a label would collide in the API surface, so duplicates fail with a
// validation error rather than silently shadowing each other.
func ExtractInputs(f *flow.Flow) ([]InputParam, error) {
	var params []InputParam
	seen := map[string]bool{}
	for _, n := range f.InputNodes() {
		p, _ := n.Payload().(flow.InputPayload)
		if p.IsConstant {
			continue
		}
		name := p.Label
		if name == "" {
			name = n.ID
		}
		if seen[name] {
			return nil, flow.Errorf(flow.ErrValidation, "duplicate exposed input label: %s", name)
		}
		seen[name] = true
		params = append(params, InputParam{
			Name:     name,
			Type:     p.DataType,
			Required: p.Value == nil,
			Default:  p.Value,
			Min:      p.Min,
			Max:      p.Max,
			Step:     p.Step,
			Options:  p.Options,
		})
	}
	return params, nil
}

// ExtractOutputs lists the flow's final outputs: output-kind nodes plus
// passthrough viewers. A flow with no explicit outputs gets a single
// synthesized "result" object.
func ExtractOutputs(f *flow.Flow) []OutputParam {
	var params []OutputParam
	for _, n := range f.Nodes {
		switch p := n.Payload().(type) {
		case flow.OutputPayload:
			name := p.Label
			if name == "" {
				name = "output"
			}
			params = append(params, OutputParam{Name: name, Type: "any"})
		case flow.FileOutputPayload:
			name := p.Label
			if name == "" {
				name = p.Filename
			}
			if name == "" {
				name = "output"
			}
			typ := "file"
			if n.Kind == flow.KindSchematicOutput {
				typ = "schematic"
			}
			params = append(params, OutputParam{Name: name, Type: typ})
		case flow.ViewerPayload:
			if p.Passthrough {
				params = append(params, OutputParam{Name: n.ID, Type: "any"})
			}
		}
	}
	if len(params) == 0 {
		params = append(params, OutputParam{Name: "result", Type: "object"})
	}
	return params
}

// paramSchema maps a port type tag to its JSON schema fragment.
func paramSchema(p InputParam) map[string]any {
	switch p.Type {
	case "number", "integer":
		typ := p.Type
		if typ == "number" && integral(p.Min) && integral(p.Max) && integral(p.Step) && integralValue(p.Default) {
			typ = "integer"
		}
		s := map[string]any{"type": typ}
		if p.Min != nil {
			s["minimum"] = *p.Min
		}
		if p.Max != nil {
			s["maximum"] = *p.Max
		}
		if p.Step != nil {
			s["multipleOf"] = *p.Step
		}
		if p.Default != nil {
			s["default"] = p.Default
		}
		return s
	case "boolean":
		s := map[string]any{"type": "boolean"}
		if p.Default != nil {
			s["default"] = p.Default
		}
		return s
	case "string", "":
		s := map[string]any{"type": "string"}
		if p.Default != nil {
			s["default"] = p.Default
		}
		if len(p.Options) > 0 {
			s["enum"] = p.Options
		}
		return s
	case "schematic", "file":
		return map[string]any{"type": "string", "format": "byte"}
	case "array":
		return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	case "object":
		return map[string]any{"type": "object"}
	default:
		return map[string]any{"description": fmt.Sprintf("value of type %s", p.Type)}
	}
}

func outputSchema(p OutputParam) map[string]any {
	switch p.Type {
	case "number", "integer", "boolean", "string", "object":
		return map[string]any{"type": p.Type}
	case "schematic", "file":
		return map[string]any{"type": "string", "format": "byte"}
	case "array":
		return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	default:
		return map[string]any{"description": fmt.Sprintf("output %s", p.Name)}
	}
}

// InputJSONSchema builds the JSON schema object the run service validates
// request inputs against.
func InputJSONSchema(params []InputParam) map[string]any {
	props := map[string]any{}
	var required []any
	for _, p := range params {
		props[p.Name] = paramSchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func integral(v *float64) bool {
	if v == nil {
		return true
	}
	return *v == math.Trunc(*v)
}

func integralValue(v any) bool {
	switch n := v.(type) {
	case nil:
		return true
	case float64:
		return n == math.Trunc(n)
	case int, int64:
		return true
	}
	return false
}
