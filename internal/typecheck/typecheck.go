// Package typecheck classifies proposed port connections. It gives the
// editor edit-time feedback and pre-flight validation; execution itself
// trusts edges and never consults it.
package typecheck

import "strings"

// Verdict is the compatibility class of a source→target connection.
type Verdict string

const (
	Exact        Verdict = "exact"
	Compatible   Verdict = "compatible"
	Coercible    Verdict = "coercible"
	Incompatible Verdict = "incompatible"
)

// hierarchy lists, per source type, the broader targets the type promotes
// to without conversion.
var hierarchy = map[string][]string{
	"number":    {"number", "any"},
	"string":    {"string", "any"},
	"boolean":   {"boolean", "any"},
	"array":     {"array", "any"},
	"object":    {"object", "any"},
	"schematic": {"schematic", "any"},
	"vec2":      {"vec2", "vector", "object", "any"},
	"vec3":      {"vec3", "vector", "object", "any"},
	"vector":    {"vector", "object", "any"},
}

// coercions holds directed pairs that convert with value rewriting.
var coercions = map[[2]string]bool{
	{"number", "string"}:  true,
	{"string", "number"}:  true,
	{"number", "boolean"}: true,
	{"boolean", "number"}: true,
	{"string", "boolean"}: true,
	{"boolean", "string"}: true,
	{"array", "object"}:   true,
}

// Check classifies a connection from a source port type to a target port
// type. It is pure and value-independent: tags are trimmed, lowercased,
// and missing tags are treated as "any".
func Check(source, target string) Verdict {
	src := normalize(source)
	tgt := normalize(target)

	if src == tgt {
		return Exact
	}
	if tgt == "any" || src == "any" {
		return Compatible
	}
	for _, t := range hierarchy[src] {
		if t == tgt {
			return Compatible
		}
	}
	if coercions[[2]string{src, tgt}] {
		return Coercible
	}
	if strings.Contains(src, "vec") && strings.Contains(tgt, "vec") {
		return Coercible
	}
	return Incompatible
}

func normalize(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return "any"
	}
	return tag
}
