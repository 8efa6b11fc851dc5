package flow

import (
	"encoding/json"
	"testing"
)

func strp(s string) *string { return &s }

func TestParse_RoundTrip(t *testing.T) {
	doc := []byte(`{
		"id": "flow-1",
		"name": "Sphere Generator",
		"version": "3",
		"nodes": [
			{"id": "n1", "type": "input", "position": {"x": 10, "y": 20}, "data": {"value": 7, "dataType": "number", "label": "radius"}},
			{"id": "n2", "type": "code", "position": {"x": 100, "y": 20}, "data": {"code": "x * 2"}},
			{"id": "n3", "type": "output", "position": {"x": 200, "y": 20}, "data": {"label": "answer"}}
		],
		"edges": [
			{"id": "e1", "source": "n1", "sourceHandle": "output", "target": "n2", "targetHandle": "x"},
			{"id": "e2", "source": "n2", "target": "n3"}
		]
	}`)

	f, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.ID != "flow-1" || f.Name != "Sphere Generator" {
		t.Errorf("identity: got %s/%s", f.ID, f.Name)
	}
	if len(f.Nodes) != 3 || len(f.Edges) != 2 {
		t.Fatalf("got %d nodes, %d edges", len(f.Nodes), len(f.Edges))
	}

	// Re-serialize and re-parse: the graph must survive unchanged.
	out, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	f2, err := Parse(out)
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}
	if f2.Edges[0].SourceName() != "output" || f2.Edges[0].TargetName() != "x" {
		t.Errorf("edge handles lost: %+v", f2.Edges[0])
	}
	if f2.Edges[1].SourceName() != DefaultHandle || f2.Edges[1].TargetName() != DefaultHandle {
		t.Errorf("nil handles should default: %+v", f2.Edges[1])
	}
}

func TestValidate_UnknownEdgeTarget(t *testing.T) {
	f := &Flow{
		Nodes: []Node{{ID: "a", Kind: KindInput}},
		Edges: []Edge{{ID: "e1", Source: "a", Target: "ghost"}},
	}
	err := f.Validate()
	if err == nil {
		t.Fatal("expected error for edge to unknown node")
	}
	fe, ok := err.(*Error)
	if !ok || fe.Kind != ErrValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestValidate_DuplicateNodeID(t *testing.T) {
	f := &Flow{Nodes: []Node{{ID: "a", Kind: KindInput}, {ID: "a", Kind: KindCode}}}
	if err := f.Validate(); err == nil {
		t.Fatal("expected error for duplicate node id")
	}
}

func TestPayload_LegacyInputAliases(t *testing.T) {
	cases := []struct {
		kind NodeKind
		want string
	}{
		{KindNumberInput, "number"},
		{KindTextInput, "string"},
		{KindBooleanInput, "boolean"},
		{KindSelectInput, "string"},
		{KindSchematicInput, "schematic"},
		{KindFileInput, "file"},
	}
	for _, c := range cases {
		n := Node{ID: "n", Kind: c.kind, Data: map[string]any{"value": "v"}}
		p, ok := n.Payload().(InputPayload)
		if !ok {
			t.Fatalf("%s: expected InputPayload, got %T", c.kind, n.Payload())
		}
		if p.DataType != c.want {
			t.Errorf("%s: dataType got %q, want %q", c.kind, p.DataType, c.want)
		}
	}
}

func TestPayload_InputInferredDataType(t *testing.T) {
	n := Node{ID: "n", Kind: KindInput, Data: map[string]any{"value": float64(3)}}
	p := n.Payload().(InputPayload)
	if p.DataType != "number" {
		t.Errorf("inferred dataType: got %q, want number", p.DataType)
	}
}

func TestPayload_UnknownKindPassthrough(t *testing.T) {
	n := Node{ID: "n", Kind: NodeKind("hologram"), Data: map[string]any{"value": 42}}
	p, ok := n.Payload().(PassthroughPayload)
	if !ok {
		t.Fatalf("expected PassthroughPayload, got %T", n.Payload())
	}
	if !p.HasValue || p.Value != 42 {
		t.Errorf("passthrough value: got %v", p.Value)
	}

	empty := Node{ID: "m", Kind: NodeKind("hologram")}
	pe := empty.Payload().(PassthroughPayload)
	if pe.HasValue {
		t.Error("expected no value for empty data")
	}
}

func TestPayload_SubflowDecode(t *testing.T) {
	n := Node{ID: "sub", Kind: KindSubflow, Data: map[string]any{
		"flow": map[string]any{
			"id":   "inner",
			"name": "inner",
			"nodes": []any{
				map[string]any{"id": "i1", "type": "input", "data": map[string]any{"value": float64(1), "label": "seed"}},
				map[string]any{"id": "o1", "type": "output", "data": map[string]any{"label": "out"}},
			},
			"edges": []any{
				map[string]any{"id": "e1", "source": "i1", "target": "o1"},
			},
		},
		"ports": map[string]any{
			"inputs":  []any{map[string]any{"name": "seed", "type": "number", "default": float64(1)}},
			"outputs": []any{map[string]any{"name": "out", "type": "number"}},
		},
	}}

	p, ok := n.Payload().(SubflowPayload)
	if !ok {
		t.Fatalf("expected SubflowPayload, got %T", n.Payload())
	}
	if p.Flow == nil || len(p.Flow.Nodes) != 2 || len(p.Flow.Edges) != 1 {
		t.Fatalf("embedded flow not decoded: %+v", p.Flow)
	}
	if len(p.Inputs) != 1 || p.Inputs[0].Name != "seed" || p.Inputs[0].Type != "number" {
		t.Errorf("input ports: %+v", p.Inputs)
	}
	if len(p.Outputs) != 1 || p.Outputs[0].Name != "out" {
		t.Errorf("output ports: %+v", p.Outputs)
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Sphere Generator", "sphere-generator"},
		{"  My--Flow!! (v2)  ", "my-flow-v2"},
		{"UPPER_case.name", "upper-case-name"},
		{"---", ""},
		{"a", "a"},
	}
	for _, c := range cases {
		if got := Slugify(c.in); got != c.want {
			t.Errorf("Slugify(%q): got %q, want %q", c.in, got, c.want)
		}
	}

	long := Slugify("this is a very long flow name that should definitely exceed the sixty four character slug limit somewhere")
	if len(long) > 64 {
		t.Errorf("slug too long: %d chars", len(long))
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	terminal := []RunStatus{RunCompleted, RunFailed, RunCancelled, RunTimeout, RunExpired}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{RunPending, RunRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestIncomingEdges_Order(t *testing.T) {
	f := &Flow{
		Nodes: []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Edges: []Edge{
			{ID: "e1", Source: "a", Target: "c", TargetHandle: strp("x")},
			{ID: "e2", Source: "b", Target: "c", TargetHandle: strp("x")},
		},
	}
	in := f.IncomingEdges("c")
	if len(in) != 2 || in[0].ID != "e1" || in[1].ID != "e2" {
		t.Fatalf("incoming edges out of order: %+v", in)
	}
}
