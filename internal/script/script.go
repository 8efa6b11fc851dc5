// Package script compiles and runs the sandboxed expressions hosted by
// worker runtimes. A script is a single expression, optionally preceded by
// directive lines declaring its ports:
//
//	#input radius number
//	#output model schematic
//	{model: schematic({radius: radius})}
//
// Directives are stripped before compilation (the line count is preserved so
// reported positions match the source) and surface as the declared schema.
package script

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// DefaultTimeout bounds a script when the caller supplies none.
const DefaultTimeout = 5 * time.Second

// Port is one declared input or output of a script.
type Port struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema is the I/O declaration recovered from directive lines.
type Schema struct {
	Inputs  []Port `json:"inputs"`
	Outputs []Port `json:"outputs"`
}

// Options configures one execution.
type Options struct {
	// Timeout bounds wall time; zero means DefaultTimeout.
	Timeout time.Duration
	// Progress receives progress(message, percent?) calls from the script.
	Progress func(message string, percent *float64)
	// Store persists a value in the worker's handle store and returns its id.
	Store func(value any, format string) (string, error)
	// Context adds host-provided values to the environment under their
	// names. Inputs shadow them on collision.
	Context map[string]any
}

var directiveRe = regexp.MustCompile(`^#(input|output)\s+([A-Za-z_][A-Za-z0-9_]*)\s+([A-Za-z0-9_]+)\s*$`)

// ParseDirectives extracts the declared schema and returns the source with
// directive lines blanked out. The schema is nil when no directives appear.
func ParseDirectives(code string) (*Schema, string) {
	lines := strings.Split(code, "\n")
	var schema *Schema
	for i, line := range lines {
		m := directiveRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		if schema == nil {
			schema = &Schema{}
		}
		port := Port{Name: m[2], Type: m[3]}
		if m[1] == "input" {
			schema.Inputs = append(schema.Inputs, port)
		} else {
			schema.Outputs = append(schema.Outputs, port)
		}
		lines[i] = ""
	}
	return schema, strings.Join(lines, "\n")
}

// Validate compiles the script without running it. It returns the declared
// schema (nil when the script carries no directives) or a validation error
// with the reported position.
func Validate(code string) (*Schema, error) {
	schema, stripped := ParseDirectives(code)
	env := baseEnv(Options{})
	if schema != nil {
		for _, p := range schema.Inputs {
			env[p.Name] = any(nil)
		}
	}
	opts := []expr.Option{expr.Env(env), expr.AllowUndefinedVariables()}
	if _, err := expr.Compile(stripped, opts...); err != nil {
		return nil, positionedError(flow.ErrScript, err)
	}
	return schema, nil
}

// Run executes the script against the given inputs and returns its named
// outputs. A map result is taken as the output mapping directly; any other
// value is stored under the "default" handle.
func Run(ctx context.Context, code string, inputs map[string]any, opts Options) (map[string]any, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, stripped := ParseDirectives(code)
	env := baseEnv(opts)
	for k, v := range opts.Context {
		env[k] = v
	}
	for k, v := range inputs {
		env[k] = v
	}
	env["ctx"] = ctx

	program, err := expr.Compile(stripped, expr.Env(env), expr.WithContext("ctx"))
	if err != nil {
		return nil, positionedError(flow.ErrScript, err)
	}

	// The deadline is enforced here rather than trusted to the program:
	// a script blocked inside a host call never reaches an interruption
	// point, so the abandoned evaluation is left to finish into a buffered
	// channel and its result dropped.
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, rerr := expr.Run(program, env)
		done <- outcome{value: v, err: rerr}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				return nil, flow.Errorf(flow.ErrTimeout, "script exceeded %s", timeout)
			}
			return nil, positionedError(flow.ErrScript, out.err)
		}
		return shapeOutputs(out.value), nil
	case <-ctx.Done():
		return nil, flow.Errorf(flow.ErrTimeout, "script exceeded %s", timeout)
	}
}

// shapeOutputs normalizes a script result to a named output mapping.
func shapeOutputs(result any) map[string]any {
	switch v := result.(type) {
	case map[string]any:
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = val
		}
		return out
	case nil:
		return map[string]any{}
	default:
		return map[string]any{flow.DefaultHandle: v}
	}
}

// baseEnv builds the sandbox environment: safe builtins first, caller inputs
// layered on top so user data always wins a name collision.
func baseEnv(opts Options) map[string]any {
	progress := func(params ...any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("progress: message required")
		}
		msg := fmt.Sprint(params[0])
		var pct *float64
		if len(params) > 1 {
			if f, ok := toFloat(params[1]); ok {
				pct = &f
			}
		}
		if opts.Progress != nil {
			opts.Progress(msg, pct)
		}
		return nil, nil
	}
	store := func(params ...any) (any, error) {
		if opts.Store == nil {
			return nil, fmt.Errorf("store: no handle store attached")
		}
		if len(params) == 0 {
			return nil, fmt.Errorf("store: value required")
		}
		format := "binary"
		if len(params) > 1 {
			format = fmt.Sprint(params[1])
		}
		id, err := opts.Store(params[0], format)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		return HandleRef(id, format), nil
	}
	blob := func(params ...any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("blob: base64 payload required")
		}
		raw, err := base64.StdEncoding.DecodeString(fmt.Sprint(params[0]))
		if err != nil {
			return nil, fmt.Errorf("blob: %w", err)
		}
		return raw, nil
	}
	schematicFn := func(params ...any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("schematic: data required")
		}
		sv := Schematic{Data: params[0]}
		if len(params) > 1 {
			if meta, ok := params[1].(map[string]any); ok {
				sv.Meta = meta
			}
		}
		return sv, nil
	}
	return map[string]any{
		"progress":  progress,
		"store":     store,
		"blob":      blob,
		"schematic": schematicFn,
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

var positionRe = regexp.MustCompile(`\((\d+):(\d+)\)`)

// positionedError converts an expr error into a flow.Error, lifting the
// "(line:column)" marker expr embeds in its messages.
func positionedError(kind flow.ErrorKind, err error) *flow.Error {
	msg := err.Error()
	fe := &flow.Error{Kind: kind, Message: firstLine(msg)}
	if m := positionRe.FindStringSubmatch(msg); m != nil {
		fe.Line, _ = strconv.Atoi(m[1])
		fe.Column, _ = strconv.Atoi(m[2])
	}
	return fe
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
