package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Nano112/polymerase-sub001/internal/script"
)

// DefaultRequestTimeout is the per-message watchdog, independent of any
// script timeout carried inside an execute request.
const DefaultRequestTimeout = 60 * time.Second

// ErrBusy rejects an execute request while another script is in flight.
var ErrBusy = errors.New("worker busy: execution in progress")

// State is the client's view of its worker.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateExecuting    State = "executing"
	StateError        State = "error"
)

// Hooks receive the client's unsolicited events. All fields are optional and
// must not block.
type Hooks struct {
	// OnProgress fires for execution_progress events from the runtime.
	OnProgress func(ProgressEvent)
	// OnEvent fires for other runtime events (node lifecycle mirrors).
	OnEvent func(MessageType, json.RawMessage)
	// OnCancelled fires after cancellation-by-termination.
	OnCancelled func(forced bool)
	// OnReady fires whenever a worker finishes initializing.
	OnReady func()
}

// ClientOptions configure a Client.
type ClientOptions struct {
	// RequestTimeout is the per-message watchdog; zero means the default.
	RequestTimeout time.Duration
	// ContextProviders are JSON values handed to the runtime at initialize
	// and exposed to every script under their names.
	ContextProviders map[string]any
	Hooks            Hooks
	Logger           *slog.Logger
}

// session is one worker incarnation: its transport plus the in-flight
// request table. A replaced session stays around only long enough for its
// read loop to notice and die.
type session struct {
	transport Transport
	pending   map[int64]chan Message
	dead      bool
}

// Client is the scheduler-side half of the protocol. It owns at most one
// worker at a time, correlates requests to responses by id, enforces the
// per-message watchdog, and performs cancellation by termination. Workers
// are created lazily: on first use and again after a termination.
type Client struct {
	factory Factory
	opts    ClientOptions
	log     *slog.Logger

	mu     sync.Mutex
	state  State
	sess   *session
	nextID int64
}

func NewClient(factory Factory, opts ClientOptions) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{factory: factory, opts: opts, log: log, state: StateInitializing}
}

// State returns the current protocol state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ExecuteScript runs one script on the worker and returns its report. A
// second call while one is in flight fails with ErrBusy. Termination of the
// worker mid-request surfaces as ErrTerminated.
func (c *Client) ExecuteScript(ctx context.Context, code string, inputs map[string]any, opts ExecuteOptions) (*ExecuteResult, error) {
	s, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.state == StateExecuting {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	if c.sess != s || c.state != StateReady {
		c.mu.Unlock()
		return nil, fmt.Errorf("worker not ready (state %s)", c.state)
	}
	c.state = StateExecuting
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.sess == s && c.state == StateExecuting {
			c.state = StateReady
		}
		c.mu.Unlock()
	}()

	resp, err := c.request(ctx, s, TypeExecuteScript, ExecuteRequest{Code: code, Inputs: inputs, Options: opts})
	if err != nil {
		return nil, err
	}
	var res ExecuteResult
	if err := resp.decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ValidateScript compile-checks a script and returns its declared schema,
// nil when the script has no directives.
func (c *Client) ValidateScript(ctx context.Context, code string) (*script.Schema, error) {
	s, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, s, TypeValidateScript, ValidateRequest{Code: code})
	if err != nil {
		return nil, err
	}
	var schema *script.Schema
	if err := resp.decode(&schema); err != nil {
		return nil, err
	}
	return schema, nil
}

// CancelExecution cancels a running script the only way the protocol can:
// by terminating the worker. The current session is swapped out, every
// pending request is rejected, and the next request spawns a fresh worker.
func (c *Client) CancelExecution() CancelResult {
	c.mu.Lock()
	if c.state != StateExecuting || c.sess == nil {
		c.mu.Unlock()
		return CancelResult{Cancelled: false}
	}
	s := c.sess
	c.sess = nil
	c.state = StateInitializing
	c.rejectLocked(s)
	c.mu.Unlock()

	_ = s.transport.Terminate()
	if c.opts.Hooks.OnCancelled != nil {
		c.opts.Hooks.OnCancelled(true)
	}
	return CancelResult{Cancelled: true}
}

// StoreData parks a value in the worker's handle store.
func (c *Client) StoreData(ctx context.Context, value any, format string, metadata map[string]any) (string, error) {
	s, err := c.ensure(ctx)
	if err != nil {
		return "", err
	}
	resp, err := c.request(ctx, s, TypeStoreData, StoreRequest{Value: value, Format: format, Metadata: metadata})
	if err != nil {
		return "", err
	}
	var res StoreResult
	if err := resp.decode(&res); err != nil {
		return "", err
	}
	return res.HandleID, nil
}

// GetData pulls a handle's full-fidelity contents across the boundary.
func (c *Client) GetData(ctx context.Context, handleID string) (DataPayload, error) {
	return c.data(ctx, TypeGetData, handleID)
}

// GetPreview pulls a possibly truncated rendition of a handle's contents.
func (c *Client) GetPreview(ctx context.Context, handleID string) (DataPayload, error) {
	return c.data(ctx, TypeGetPreview, handleID)
}

func (c *Client) data(ctx context.Context, t MessageType, handleID string) (DataPayload, error) {
	s, err := c.ensure(ctx)
	if err != nil {
		return DataPayload{}, err
	}
	resp, err := c.request(ctx, s, t, DataRequest{HandleID: handleID})
	if err != nil {
		return DataPayload{}, err
	}
	var payload DataPayload
	if err := resp.decode(&payload); err != nil {
		return DataPayload{}, err
	}
	return payload, nil
}

// ReleaseData drops a stored handle.
func (c *Client) ReleaseData(ctx context.Context, handleID string) (bool, error) {
	s, err := c.ensure(ctx)
	if err != nil {
		return false, err
	}
	resp, err := c.request(ctx, s, TypeReleaseData, DataRequest{HandleID: handleID})
	if err != nil {
		return false, err
	}
	var res ReleaseResult
	if err := resp.decode(&res); err != nil {
		return false, err
	}
	return res.Released, nil
}

// ListHandles describes every live handle in the worker.
func (c *Client) ListHandles(ctx context.Context) (ListResult, error) {
	s, err := c.ensure(ctx)
	if err != nil {
		return ListResult{}, err
	}
	resp, err := c.request(ctx, s, TypeListHandles, nil)
	if err != nil {
		return ListResult{}, err
	}
	var res ListResult
	if err := resp.decode(&res); err != nil {
		return ListResult{}, err
	}
	return res, nil
}

// ContextProviders lists the runtime's provider descriptors.
func (c *Client) ContextProviders(ctx context.Context) (map[string]ProviderInfo, error) {
	s, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, s, TypeGetContextProviders, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ProviderInfo)
	if err := resp.decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close terminates the current worker, if any.
func (c *Client) Close() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.state = StateInitializing
	if s != nil {
		c.rejectLocked(s)
	}
	c.mu.Unlock()
	if s != nil {
		_ = s.transport.Terminate()
	}
}

// ensure returns the live session, spawning and initializing a worker when
// none exists.
func (c *Client) ensure(ctx context.Context) (*session, error) {
	c.mu.Lock()
	if c.sess != nil && !c.sess.dead {
		s := c.sess
		c.mu.Unlock()
		return s, nil
	}
	c.state = StateInitializing
	c.mu.Unlock()

	transport, err := c.factory(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	s := &session{transport: transport, pending: make(map[int64]chan Message)}

	c.mu.Lock()
	if c.sess != nil && !c.sess.dead {
		// Lost the spawn race; use the winner.
		existing := c.sess
		c.mu.Unlock()
		_ = transport.Terminate()
		return existing, nil
	}
	c.sess = s
	c.mu.Unlock()
	go c.readLoop(s)

	resp, err := c.request(ctx, s, TypeInitialize, InitializeRequest{ContextProviders: c.opts.ContextProviders})
	if err != nil {
		c.drop(s, StateError)
		return nil, fmt.Errorf("initialize worker: %w", err)
	}
	switch resp.Type {
	case TypeInitializeSuccess:
		var init InitializeResult
		_ = resp.decode(&init)
		c.mu.Lock()
		if c.sess == s {
			c.state = StateReady
		}
		c.mu.Unlock()
		c.log.Debug("worker ready", "capabilities", init.Capabilities)
		if c.opts.Hooks.OnReady != nil {
			c.opts.Hooks.OnReady()
		}
		return s, nil
	case TypeInitializeError:
		c.drop(s, StateError)
		return nil, fmt.Errorf("initialize worker: %s", resp.errorText())
	default:
		c.drop(s, StateError)
		return nil, fmt.Errorf("initialize worker: unexpected response %q", resp.Type)
	}
}

// request sends one correlated message and waits for its response, the
// context, or the watchdog, whichever comes first. A response arriving after
// the watchdog fired finds its id untracked and is dropped by the read loop.
func (c *Client) request(ctx context.Context, s *session, t MessageType, payload any) (Message, error) {
	c.mu.Lock()
	if s.dead {
		c.mu.Unlock()
		return Message{}, ErrTerminated
	}
	c.nextID++
	id := c.nextID
	ch := make(chan Message, 1)
	s.pending[id] = ch
	c.mu.Unlock()

	msg, err := newMessage(t, &id, payload)
	if err != nil {
		c.unregister(s, id)
		return Message{}, err
	}
	if err := s.transport.Send(msg); err != nil {
		c.unregister(s, id)
		if errors.Is(err, ErrTerminated) {
			return Message{}, ErrTerminated
		}
		return Message{}, fmt.Errorf("send %s: %w", t, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return Message{}, ErrTerminated
		}
		if resp.Type == TypeError {
			return Message{}, fmt.Errorf("%s: %s", t, resp.errorText())
		}
		return resp, nil
	case <-ctx.Done():
		c.unregister(s, id)
		return Message{}, ctx.Err()
	case <-timer.C:
		c.unregister(s, id)
		return Message{}, fmt.Errorf("%s request %d timed out after %s", t, id, c.opts.RequestTimeout)
	}
}

func (c *Client) unregister(s *session, id int64) {
	c.mu.Lock()
	delete(s.pending, id)
	c.mu.Unlock()
}

// readLoop pumps one session's transport. It dies with the transport and
// never outlives a swap: events from a replaced session are discarded.
func (c *Client) readLoop(s *session) {
	for {
		msg, err := s.transport.Receive()
		if err != nil {
			c.sessionLost(s)
			return
		}
		if msg.ID != nil {
			c.mu.Lock()
			ch, tracked := s.pending[*msg.ID]
			if tracked {
				delete(s.pending, *msg.ID)
			}
			c.mu.Unlock()
			if !tracked {
				c.log.Debug("dropping response for untracked id", "id", *msg.ID, "type", msg.Type)
				continue
			}
			ch <- msg
			continue
		}
		c.handleEvent(s, msg)
	}
}

func (c *Client) handleEvent(s *session, msg Message) {
	c.mu.Lock()
	current := c.sess == s
	state := c.state
	c.mu.Unlock()
	if !current {
		return
	}
	switch msg.Type {
	case TypeProgress:
		// A latent progress event from before initialization completed must
		// not reach the caller.
		if state == StateInitializing {
			return
		}
		if c.opts.Hooks.OnProgress == nil {
			return
		}
		var ev ProgressEvent
		if err := msg.decode(&ev); err != nil {
			c.log.Debug("bad progress payload", "error", err)
			return
		}
		c.opts.Hooks.OnProgress(ev)
	default:
		if c.opts.Hooks.OnEvent != nil {
			c.opts.Hooks.OnEvent(msg.Type, msg.Payload)
		}
	}
}

// sessionLost handles a transport that died underneath us.
func (c *Client) sessionLost(s *session) {
	c.mu.Lock()
	c.rejectLocked(s)
	if c.sess == s {
		c.sess = nil
		c.state = StateError
	}
	c.mu.Unlock()
}

// drop terminates a session deliberately and moves the client to newState.
func (c *Client) drop(s *session, newState State) {
	c.mu.Lock()
	c.rejectLocked(s)
	if c.sess == s {
		c.sess = nil
		c.state = newState
	}
	c.mu.Unlock()
	_ = s.transport.Terminate()
}

// rejectLocked fails every pending request on s with termination. Callers
// hold c.mu.
func (c *Client) rejectLocked(s *session) {
	s.dead = true
	for id, ch := range s.pending {
		delete(s.pending, id)
		close(ch)
	}
}
