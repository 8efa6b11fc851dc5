// Package worker implements both halves of the script worker protocol: the
// Client owned by a scheduler and the Runtime hosting the sandbox. The two
// sides exchange JSON messages over a Transport; requests carry monotonically
// increasing ids echoed by their responses, and messages without an id are
// unsolicited events. The protocol is transport-neutral: the same messages
// flow whether the runtime lives on a goroutine or in a subprocess.
package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// MessageType identifies a protocol message.
type MessageType string

const (
	// Client → runtime requests.
	TypeInitialize          MessageType = "initialize"
	TypeExecuteScript       MessageType = "execute_script"
	TypeValidateScript      MessageType = "validate_script"
	TypeGetContextProviders MessageType = "get_context_providers"
	TypeCancelExecution     MessageType = "cancel_execution"
	TypeStoreData           MessageType = "store_data"
	TypeGetData             MessageType = "get_data"
	TypeGetPreview          MessageType = "get_preview"
	TypeReleaseData         MessageType = "release_data"
	TypeListHandles         MessageType = "list_handles"

	// Runtime → client responses.
	TypeInitializeSuccess MessageType = "initialize_success"
	TypeInitializeError   MessageType = "initialize_error"
	TypeResult            MessageType = "result"
	TypeError             MessageType = "error"

	// Unsolicited runtime → client events (no id).
	TypeProgress   MessageType = "execution_progress"
	TypeNodeStart  MessageType = "node:start"
	TypeNodeFinish MessageType = "node:finish"
	TypeNodeError  MessageType = "node:error"
)

// Message is the wire envelope.
type Message struct {
	Type    MessageType     `json:"type"`
	ID      *int64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// newMessage marshals payload into an envelope. A nil payload is legal.
func newMessage(t MessageType, id *int64, payload any) (Message, error) {
	msg := Message{Type: t, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// decode unmarshals the envelope payload into out.
func (m Message) decode(out any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// errorText extracts the payload of an error response.
func (m Message) errorText() string {
	var s string
	if err := json.Unmarshal(m.Payload, &s); err != nil || s == "" {
		return string(m.Payload)
	}
	return s
}

// InitializeRequest carries optional context providers: named, JSON-encodable
// values the runtime exposes to every script.
type InitializeRequest struct {
	ContextProviders map[string]any `json:"contextProviders,omitempty"`
}

// InitializeResult names the context capabilities the runtime now provides.
type InitializeResult struct {
	Capabilities []string `json:"capabilities"`
}

// ExecuteRequest asks the runtime to run one script.
type ExecuteRequest struct {
	Code    string         `json:"code"`
	Inputs  map[string]any `json:"inputs"`
	Options ExecuteOptions `json:"options"`
}

// ExecuteOptions tunes one execution.
type ExecuteOptions struct {
	// Timeout is the sandbox budget in milliseconds; zero uses the default.
	Timeout int64 `json:"timeout,omitempty"`
}

// ExecuteResult is the runtime's report for one execution.
type ExecuteResult struct {
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   *flow.Error    `json:"error,omitempty"`
	// Schematics lists handle ids of schematic values produced by the run.
	Schematics []string `json:"schematics,omitempty"`
	// ExecutionTime is the sandbox wall time in milliseconds.
	ExecutionTime int64 `json:"executionTime"`
}

// ValidateRequest asks for a compile check of one script.
type ValidateRequest struct {
	Code string `json:"code"`
}

// ProviderInfo describes one context provider.
type ProviderInfo struct {
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

// StoreRequest places a value in the runtime's handle store.
type StoreRequest struct {
	Value    any            `json:"value"`
	Format   string         `json:"format"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StoreResult returns the freshly minted handle id.
type StoreResult struct {
	HandleID string `json:"handleId"`
}

// DataRequest addresses a stored handle.
type DataRequest struct {
	HandleID string `json:"handleId"`
}

// DataPayload carries a handle's contents across the boundary. Data is the
// value itself for plain JSON values and base64-encoded bytes for binary
// ones; previews may be truncated, flagged in Metadata.
type DataPayload struct {
	Format   string         `json:"format"`
	Data     any            `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ReleaseResult reports whether a handle existed and was dropped.
type ReleaseResult struct {
	Released bool `json:"released"`
}

// CancelResult reports whether an execution was actually cancelled.
type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// ProgressEvent streams sandbox progress while a script runs.
type ProgressEvent struct {
	Message string         `json:"message"`
	Percent *float64       `json:"percent,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// HandleInfo is the boundary-safe descriptor of one stored handle.
type HandleInfo struct {
	ID        string         `json:"id"`
	Format    string         `json:"format"`
	Size      int64          `json:"size"`
	CreatedAt time.Time      `json:"createdAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StoreStats summarizes the handle store.
type StoreStats struct {
	Count      int   `json:"count"`
	TotalBytes int64 `json:"totalBytes"`
}

// ListResult is the list_handles response.
type ListResult struct {
	Handles []HandleInfo `json:"handles"`
	Stats   StoreStats   `json:"stats"`
}
