package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Nano112/polymerase-sub001/internal/flow"
	"github.com/Nano112/polymerase-sub001/internal/script"
)

// PreviewLimit caps get_preview payloads; larger values are truncated and
// flagged in metadata.
const PreviewLimit = 4096

// ProviderFunc produces the live value a host context provider contributes
// to every script environment. Returning a func value is legal; scripts can
// call it.
type ProviderFunc func() any

type provider struct {
	kind  string // "host" or "static"
	value ProviderFunc
}

// Runtime is the worker-side half of the protocol. It hosts the sandbox,
// owns the handle store, and serves one transport until it closes. Scripts
// execute one at a time; quick operations (handles, validation, cancel)
// remain serviceable while a script runs.
type Runtime struct {
	log   *slog.Logger
	store *Store

	sendMu sync.Mutex
	out    Transport

	provMu    sync.RWMutex
	providers map[string]provider

	execMu    sync.Mutex
	executing bool
	cancelRun context.CancelFunc
}

func NewRuntime(log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		log:       log,
		store:     NewStore(),
		providers: make(map[string]provider),
	}
}

// Store exposes the runtime's handle store.
func (r *Runtime) Store() *Store { return r.store }

// RegisterProvider adds a host context provider before the runtime serves.
func (r *Runtime) RegisterProvider(name string, fn ProviderFunc) {
	r.provMu.Lock()
	defer r.provMu.Unlock()
	r.providers[name] = provider{kind: "host", value: fn}
}

// Serve reads requests from the transport until it terminates. Execute
// requests run on their own goroutine so cancellation and handle operations
// stay serviceable mid-script.
func (r *Runtime) Serve(t Transport) error {
	r.sendMu.Lock()
	r.out = t
	r.sendMu.Unlock()
	for {
		msg, err := t.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		if msg.Type == TypeExecuteScript {
			go r.dispatch(msg)
			continue
		}
		r.dispatch(msg)
	}
}

func (r *Runtime) dispatch(msg Message) {
	switch msg.Type {
	case TypeInitialize:
		r.handleInitialize(msg)
	case TypeExecuteScript:
		var req ExecuteRequest
		if err := msg.decode(&req); err != nil {
			r.replyError(msg.ID, err.Error())
			return
		}
		r.reply(msg.ID, TypeResult, r.execute(req))
	case TypeValidateScript:
		var req ValidateRequest
		if err := msg.decode(&req); err != nil {
			r.replyError(msg.ID, err.Error())
			return
		}
		schema, err := script.Validate(req.Code)
		if err != nil {
			r.replyError(msg.ID, err.Error())
			return
		}
		r.reply(msg.ID, TypeResult, schema)
	case TypeGetContextProviders:
		r.reply(msg.ID, TypeResult, r.describeProviders())
	case TypeCancelExecution:
		r.reply(msg.ID, TypeResult, CancelResult{Cancelled: r.cancelExecution()})
	case TypeStoreData:
		var req StoreRequest
		if err := msg.decode(&req); err != nil {
			r.replyError(msg.ID, err.Error())
			return
		}
		id := r.store.Put(req.Value, req.Format, req.Metadata)
		r.reply(msg.ID, TypeResult, StoreResult{HandleID: id})
	case TypeGetData, TypeGetPreview:
		var req DataRequest
		if err := msg.decode(&req); err != nil {
			r.replyError(msg.ID, err.Error())
			return
		}
		h, ok := r.store.Get(req.HandleID)
		if !ok {
			r.replyError(msg.ID, fmt.Sprintf("unknown handle %s", req.HandleID))
			return
		}
		payload, err := encodeData(h, msg.Type == TypeGetPreview)
		if err != nil {
			r.replyError(msg.ID, err.Error())
			return
		}
		r.reply(msg.ID, TypeResult, payload)
	case TypeReleaseData:
		var req DataRequest
		if err := msg.decode(&req); err != nil {
			r.replyError(msg.ID, err.Error())
			return
		}
		r.reply(msg.ID, TypeResult, ReleaseResult{Released: r.store.Release(req.HandleID)})
	case TypeListHandles:
		r.reply(msg.ID, TypeResult, r.store.List())
	default:
		if msg.ID != nil {
			r.replyError(msg.ID, fmt.Sprintf("unsupported message type %q", msg.Type))
			return
		}
		r.log.Debug("dropping unknown event", "type", msg.Type)
	}
}

func (r *Runtime) handleInitialize(msg Message) {
	var req InitializeRequest
	if err := msg.decode(&req); err != nil {
		r.reply(msg.ID, TypeInitializeError, err.Error())
		return
	}
	r.provMu.Lock()
	for name, value := range req.ContextProviders {
		v := value
		r.providers[name] = provider{kind: "static", value: func() any { return v }}
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.provMu.Unlock()
	sort.Strings(names)
	r.reply(msg.ID, TypeInitializeSuccess, InitializeResult{Capabilities: names})
}

// execute runs one script inside the sandbox. Handle descriptors in the
// inputs are materialized back into live values first; binary and schematic
// values in the outputs are parked in the store and leave as descriptors.
func (r *Runtime) execute(req ExecuteRequest) ExecuteResult {
	r.execMu.Lock()
	if r.executing {
		r.execMu.Unlock()
		return ExecuteResult{
			Success: false,
			Error:   flow.Errorf(flow.ErrScript, "execution already in progress"),
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.executing = true
	r.cancelRun = cancel
	r.execMu.Unlock()
	defer func() {
		r.execMu.Lock()
		r.executing = false
		r.cancelRun = nil
		r.execMu.Unlock()
		cancel()
	}()

	start := time.Now()
	outputs, err := script.Run(ctx, req.Code, r.materializeInputs(req.Inputs), script.Options{
		Timeout: time.Duration(req.Options.Timeout) * time.Millisecond,
		Context: r.contextEnv(),
		Progress: func(message string, percent *float64) {
			r.event(TypeProgress, ProgressEvent{Message: message, Percent: percent})
		},
		Store: func(value any, format string) (string, error) {
			return r.store.Put(value, format, nil), nil
		},
	})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return ExecuteResult{Success: false, Error: flow.AsError(err, flow.ErrScript), ExecutionTime: elapsed}
	}
	result, schematics := r.externalize(outputs)
	return ExecuteResult{Success: true, Result: result, Schematics: schematics, ExecutionTime: elapsed}
}

func (r *Runtime) cancelExecution() bool {
	r.execMu.Lock()
	defer r.execMu.Unlock()
	if !r.executing || r.cancelRun == nil {
		return false
	}
	r.cancelRun()
	return true
}

func (r *Runtime) contextEnv() map[string]any {
	r.provMu.RLock()
	defer r.provMu.RUnlock()
	env := make(map[string]any, len(r.providers))
	for name, p := range r.providers {
		env[name] = p.value()
	}
	return env
}

func (r *Runtime) describeProviders() map[string]ProviderInfo {
	r.provMu.RLock()
	defer r.provMu.RUnlock()
	out := make(map[string]ProviderInfo, len(r.providers))
	for name, p := range r.providers {
		out[name] = ProviderInfo{Kind: p.kind}
	}
	return out
}

// materializeInputs swaps handle descriptors back to the live stored values,
// recursively through maps and slices. Unknown handles pass through as-is.
func (r *Runtime) materializeInputs(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = r.materializeValue(v)
	}
	return out
}

func (r *Runtime) materializeValue(v any) any {
	if id, _, ok := script.HandleID(v); ok {
		if h, found := r.store.Get(id); found {
			return h.Value
		}
		return v
	}
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = r.materializeValue(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = r.materializeValue(t[i])
		}
		return t
	default:
		return v
	}
}

// externalize parks non-serializable output values in the store and returns
// the boundary-safe mapping plus the ids of schematic handles it produced.
func (r *Runtime) externalize(outputs map[string]any) (map[string]any, []string) {
	var schematics []string
	var walk func(v any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case flow.Schematic:
			id := r.store.Put(t, "schem", nil)
			schematics = append(schematics, id)
			return script.HandleRef(id, "schem")
		case []byte:
			id := r.store.Put(t, "binary", nil)
			return script.HandleRef(id, "binary")
		case map[string]any:
			if id, format, ok := script.HandleID(t); ok {
				if format == "schem" {
					schematics = append(schematics, id)
				}
				return t
			}
			for k, val := range t {
				t[k] = walk(val)
			}
			return t
		case []any:
			for i := range t {
				t[i] = walk(t[i])
			}
			return t
		default:
			return v
		}
	}
	out := make(map[string]any, len(outputs))
	for k, v := range outputs {
		out[k] = walk(v)
	}
	return out, schematics
}

// encodeData shapes a handle's contents for the boundary. Schematic values
// serialize to bytes; previews truncate large payloads and flag it.
func encodeData(h Handle, preview bool) (DataPayload, error) {
	format := h.Format
	data := h.Value
	if s, ok := h.Value.(flow.Schematic); ok {
		raw, err := s.ToSchematic()
		if err != nil {
			return DataPayload{}, fmt.Errorf("serialize handle %s: %w", h.ID, err)
		}
		if format == "" {
			format = "schem"
		}
		data = raw
	}
	meta := make(map[string]any, len(h.Metadata)+2)
	for k, v := range h.Metadata {
		meta[k] = v
	}
	if preview {
		switch raw := data.(type) {
		case []byte:
			if len(raw) > PreviewLimit {
				meta["truncated"] = true
				meta["fullSize"] = len(raw)
				data = raw[:PreviewLimit]
			}
		case string:
			if len(raw) > PreviewLimit {
				meta["truncated"] = true
				meta["fullSize"] = len(raw)
				data = raw[:PreviewLimit]
			}
		}
	}
	if len(meta) == 0 {
		meta = nil
	}
	return DataPayload{Format: format, Data: data, Metadata: meta}, nil
}

// reply sends a response envelope; send failures are logged, not fatal (the
// client may already have torn the transport down).
func (r *Runtime) reply(id *int64, t MessageType, payload any) {
	msg, err := newMessage(t, id, payload)
	if err != nil {
		r.replyError(id, err.Error())
		return
	}
	r.sendRaw(msg)
}

func (r *Runtime) replyError(id *int64, text string) {
	msg, err := newMessage(TypeError, id, text)
	if err != nil {
		return
	}
	r.sendRaw(msg)
}

func (r *Runtime) event(t MessageType, payload any) {
	msg, err := newMessage(t, nil, payload)
	if err != nil {
		return
	}
	r.sendRaw(msg)
}

func (r *Runtime) sendRaw(msg Message) {
	r.sendMu.Lock()
	t := r.out
	r.sendMu.Unlock()
	if t == nil {
		return
	}
	if err := t.Send(msg); err != nil {
		r.log.Debug("dropping outbound message", "type", msg.Type, "error", err)
	}
}
