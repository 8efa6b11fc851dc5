package flow

// Payload is the decoded, kind-specific node data. The scheduler dispatches
// on the concrete type instead of re-reading the raw data map, and unknown
// kinds decode to PassthroughPayload so forward-compatible files never fail.
type Payload interface {
	isPayload()
}

// CodePayload holds a script node's source and optional declared schema.
type CodePayload struct {
	Code      string
	Schema    map[string]any // declared I/O schema from pre-execution validation
	TimeoutMS int            // 0 means scheduler default
}

// InputPayload holds a literal input value with its editor metadata.
type InputPayload struct {
	Value      any
	DataType   string // number | string | boolean | schematic | file
	WidgetType string // editor hint, ignored by the engine
	IsConstant bool
	Label      string
	Min        *float64
	Max        *float64
	Step       *float64
	Options    []string
}

// OutputPayload names the key the node contributes to the final output.
type OutputPayload struct {
	Label string
}

// ViewerPayload previews a value; with Passthrough set the input is
// forwarded as the node's output.
type ViewerPayload struct {
	Passthrough bool
}

// FileOutputPayload labels a binary output, optionally with a filename.
type FileOutputPayload struct {
	Label    string
	Filename string
}

// PortDef declares one named, typed port on a subflow boundary.
type PortDef struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Default any    `json:"default,omitempty"`
}

// SubflowPayload embeds a complete flow with an explicit port configuration.
type SubflowPayload struct {
	Flow    *Flow
	Inputs  []PortDef
	Outputs []PortDef
}

// CommentPayload is ignored by the scheduler.
type CommentPayload struct {
	Text string
}

// PassthroughPayload represents an unrecognized node kind. If the data
// carried a value it is forwarded, otherwise the node produces nothing.
type PassthroughPayload struct {
	Value    any
	HasValue bool
}

func (CodePayload) isPayload()        {}
func (InputPayload) isPayload()       {}
func (OutputPayload) isPayload()      {}
func (ViewerPayload) isPayload()      {}
func (FileOutputPayload) isPayload()  {}
func (SubflowPayload) isPayload()     {}
func (CommentPayload) isPayload()     {}
func (PassthroughPayload) isPayload() {}

// Payload decodes the node's raw data map into the kind-specific variant.
func (n Node) Payload() Payload {
	d := n.Data
	switch {
	case n.Kind == KindCode:
		return CodePayload{
			Code:      str(d, "code"),
			Schema:    objOrNil(d, "schema"),
			TimeoutMS: int(num(d, "timeout")),
		}
	case n.Kind.IsInput():
		p := InputPayload{
			Value:      d["value"],
			DataType:   str(d, "dataType"),
			WidgetType: str(d, "widgetType"),
			IsConstant: boolean(d, "isConstant"),
			Label:      str(d, "label"),
			Min:        numPtr(d, "min"),
			Max:        numPtr(d, "max"),
			Step:       numPtr(d, "step"),
			Options:    strSlice(d, "options"),
		}
		if legacy := n.Kind.DataType(); legacy != "" {
			p.DataType = legacy
		}
		if p.DataType == "" {
			p.DataType = inferDataType(p.Value)
		}
		return p
	case n.Kind == KindOutput:
		return OutputPayload{Label: str(d, "label")}
	case n.Kind == KindViewer:
		return ViewerPayload{Passthrough: boolean(d, "passthrough")}
	case n.Kind == KindFileOutput || n.Kind == KindSchematicOutput:
		return FileOutputPayload{Label: str(d, "label"), Filename: str(d, "filename")}
	case n.Kind == KindSubflow:
		return decodeSubflow(d)
	case n.Kind == KindComment:
		return CommentPayload{Text: str(d, "text")}
	default:
		v, ok := d["value"]
		return PassthroughPayload{Value: v, HasValue: ok}
	}
}

func decodeSubflow(d map[string]any) SubflowPayload {
	p := SubflowPayload{}
	if raw, ok := d["flow"].(map[string]any); ok {
		p.Flow = flowFromMap(raw)
	}
	if ports, ok := d["ports"].(map[string]any); ok {
		p.Inputs = portDefs(ports, "inputs")
		p.Outputs = portDefs(ports, "outputs")
	}
	return p
}

func flowFromMap(raw map[string]any) *Flow {
	f := &Flow{
		ID:      asString(raw["id"]),
		Name:    asString(raw["name"]),
		Version: asString(raw["version"]),
	}
	if nodes, ok := raw["nodes"].([]any); ok {
		for _, nr := range nodes {
			nm, ok := nr.(map[string]any)
			if !ok {
				continue
			}
			n := Node{ID: asString(nm["id"]), Kind: NodeKind(asString(nm["type"]))}
			if data, ok := nm["data"].(map[string]any); ok {
				n.Data = data
			}
			if pos, ok := nm["position"].(map[string]any); ok {
				n.Position = Position{X: asFloat(pos["x"]), Y: asFloat(pos["y"])}
			}
			f.Nodes = append(f.Nodes, n)
		}
	}
	if edges, ok := raw["edges"].([]any); ok {
		for _, er := range edges {
			em, ok := er.(map[string]any)
			if !ok {
				continue
			}
			e := Edge{ID: asString(em["id"]), Source: asString(em["source"]), Target: asString(em["target"])}
			if sh := asString(em["sourceHandle"]); sh != "" {
				e.SourceHandle = &sh
			}
			if th := asString(em["targetHandle"]); th != "" {
				e.TargetHandle = &th
			}
			f.Edges = append(f.Edges, e)
		}
	}
	return f
}

func portDefs(ports map[string]any, key string) []PortDef {
	raw, ok := ports[key].([]any)
	if !ok {
		return nil
	}
	defs := make([]PortDef, 0, len(raw))
	for _, pr := range raw {
		pm, ok := pr.(map[string]any)
		if !ok {
			continue
		}
		defs = append(defs, PortDef{
			Name:    asString(pm["name"]),
			Type:    asString(pm["type"]),
			Default: pm["default"],
		})
	}
	return defs
}

func inferDataType(v any) string {
	switch v.(type) {
	case float64, float32, int, int64:
		return "number"
	case bool:
		return "boolean"
	case string:
		return "string"
	}
	return "string"
}

// --- loosely-typed map accessors ---

func str(d map[string]any, key string) string {
	if d == nil {
		return ""
	}
	return asString(d[key])
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func boolean(d map[string]any, key string) bool {
	if d == nil {
		return false
	}
	b, _ := d[key].(bool)
	return b
}

func num(d map[string]any, key string) float64 {
	if d == nil {
		return 0
	}
	return asFloat(d[key])
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func numPtr(d map[string]any, key string) *float64 {
	if d == nil {
		return nil
	}
	if _, ok := d[key]; !ok {
		return nil
	}
	f := asFloat(d[key])
	return &f
}

func strSlice(d map[string]any, key string) []string {
	if d == nil {
		return nil
	}
	raw, ok := d[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func objOrNil(d map[string]any, key string) map[string]any {
	if d == nil {
		return nil
	}
	m, _ := d[key].(map[string]any)
	return m
}
