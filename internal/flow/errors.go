package flow

import "fmt"

// ErrorKind classifies a failure so it can be carried end-to-end and mapped
// to exactly one terminal run status and HTTP code.
type ErrorKind string

const (
	ErrValidation       ErrorKind = "validation"
	ErrCycle            ErrorKind = "cycle"
	ErrScript           ErrorKind = "script"
	ErrTimeout          ErrorKind = "timeout"
	ErrCancelled        ErrorKind = "cancelled"
	ErrWorkerTerminated ErrorKind = "worker_terminated"
	ErrAuth             ErrorKind = "auth"
	ErrRateLimit        ErrorKind = "rate_limit"
	ErrStorage          ErrorKind = "storage"
)

// Error is the engine's failure record. Script errors can carry the
// sandbox's source location.
type Error struct {
	Kind    ErrorKind `json:"type"`
	Message string    `json:"message"`
	NodeID  string    `json:"nodeId,omitempty"`
	Stack   string    `json:"stack,omitempty"`
	Line    int       `json:"lineNumber,omitempty"`
	Column  int       `json:"columnNumber,omitempty"`
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds an Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a *Error from err, wrapping foreign errors under the
// given fallback kind so callers always get a classified failure.
func AsError(err error, fallback ErrorKind) *Error {
	if err == nil {
		return nil
	}
	if fe, ok := err.(*Error); ok {
		return fe
	}
	return &Error{Kind: fallback, Message: err.Error()}
}
