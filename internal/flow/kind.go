package flow

// NodeKind tags a node with its operator type. Unknown kinds are executed
// as pass-through nodes, never rejected, so newer flow files keep loading.
type NodeKind string

const (
	KindCode       NodeKind = "code"
	KindInput      NodeKind = "input"
	KindOutput     NodeKind = "output"
	KindViewer     NodeKind = "viewer"
	KindFileOutput NodeKind = "file_output"
	KindSubflow    NodeKind = "subflow"
	KindComment    NodeKind = "comment"

	// Legacy input kinds. Recognized as aliases of "input" with a fixed
	// data type; no new aliases should be introduced.
	KindStaticInput    NodeKind = "static_input"
	KindNumberInput    NodeKind = "number_input"
	KindTextInput      NodeKind = "text_input"
	KindBooleanInput   NodeKind = "boolean_input"
	KindSelectInput    NodeKind = "select_input"
	KindSchematicInput NodeKind = "schematic_input"
	KindFileInput      NodeKind = "file_input"

	KindSchematicOutput NodeKind = "schematic_output"
)

// IsInput reports whether the kind produces a literal value, including the
// legacy aliases.
func (k NodeKind) IsInput() bool {
	switch k {
	case KindInput, KindStaticInput, KindNumberInput, KindTextInput,
		KindBooleanInput, KindSelectInput, KindSchematicInput, KindFileInput:
		return true
	}
	return false
}

// IsOutput reports whether the kind contributes to a flow's final output.
func (k NodeKind) IsOutput() bool {
	switch k {
	case KindOutput, KindFileOutput, KindSchematicOutput:
		return true
	}
	return false
}

// DataType returns the value type implied by a legacy input kind, or "" when
// the kind carries an explicit dataType field instead.
func (k NodeKind) DataType() string {
	switch k {
	case KindNumberInput:
		return "number"
	case KindTextInput, KindSelectInput:
		return "string"
	case KindBooleanInput:
		return "boolean"
	case KindSchematicInput:
		return "schematic"
	case KindFileInput:
		return "file"
	}
	return ""
}
