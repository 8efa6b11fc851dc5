// Package scheduler executes one flow at a time in topological order. Script
// nodes are delegated to an isolated worker through the worker protocol;
// every other kind is dispatched in-process. Results land in the execution
// cache so an edited flow re-runs only its stale subgraph.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Nano112/polymerase-sub001/internal/cache"
	"github.com/Nano112/polymerase-sub001/internal/flow"
	"github.com/Nano112/polymerase-sub001/internal/script"
	"github.com/Nano112/polymerase-sub001/internal/worker"
)

// DefaultNodeTimeout bounds a script node when neither the node nor the
// caller supplies one.
const DefaultNodeTimeout = 5 * time.Second

// Options configure a Scheduler.
type Options struct {
	// Client is the worker client to use. When nil one is built from Factory.
	Client *worker.Client
	// Factory spawns workers when Client is nil; nil means an in-process
	// worker per instance.
	Factory worker.Factory
	// NodeTimeout bounds each script node; zero means DefaultNodeTimeout.
	NodeTimeout time.Duration
	// RequestTimeout is the worker protocol watchdog; zero means its default.
	RequestTimeout time.Duration
	Bus            *Bus
	Logger         *slog.Logger
}

// Scheduler drives one flow. Cross-flow parallelism is the caller's concern:
// each concurrent run gets its own Scheduler and its own worker.
type Scheduler struct {
	client      *worker.Client
	bus         *Bus
	log         *slog.Logger
	nodeTimeout time.Duration

	mu        sync.Mutex
	flow      *flow.Flow
	cache     *cache.Cache
	cancelled atomic.Bool
}

func New(opts Options) *Scheduler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewBus()
	}
	s := &Scheduler{
		bus:         bus,
		log:         log,
		nodeTimeout: opts.NodeTimeout,
	}
	if s.nodeTimeout <= 0 {
		s.nodeTimeout = DefaultNodeTimeout
	}
	if opts.Client != nil {
		s.client = opts.Client
		return s
	}
	factory := opts.Factory
	if factory == nil {
		factory = worker.PipeFactory(log, nil)
	}
	s.client = worker.NewClient(factory, worker.ClientOptions{
		RequestTimeout: opts.RequestTimeout,
		Logger:         log,
		Hooks: worker.Hooks{
			OnProgress: func(ev worker.ProgressEvent) {
				bus.Publish(Event{Type: EventProgress, Payload: map[string]any{
					"message": ev.Message, "percent": ev.Percent,
				}})
			},
			OnReady: func() {
				bus.Publish(Event{Type: EventWorkerReady})
			},
		},
	})
	return s
}

// Bus returns the scheduler's event bus.
func (s *Scheduler) Bus() *Bus { return s.bus }

// Worker returns the scheduler's worker client.
func (s *Scheduler) Worker() *worker.Client { return s.client }

// Cache returns the execution cache for the currently bound flow, nil before
// the first ExecuteFlow.
func (s *Scheduler) Cache() *cache.Cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache
}

// Cancel requests termination. The next inter-node check ends the flow as
// cancelled; an in-flight script is killed with its worker.
func (s *Scheduler) Cancel() {
	s.cancelled.Store(true)
	s.client.CancelExecution()
}

// Close terminates the worker.
func (s *Scheduler) Close() {
	s.client.Close()
}

// ExecuteScript runs a single script outside any flow.
func (s *Scheduler) ExecuteScript(ctx context.Context, code string, inputs map[string]any) (*worker.ExecuteResult, error) {
	return s.client.ExecuteScript(ctx, code, inputs, worker.ExecuteOptions{
		Timeout: s.nodeTimeout.Milliseconds(),
	})
}

// ValidateScript compile-checks a script and returns its declared schema.
func (s *Scheduler) ValidateScript(ctx context.Context, code string) (*script.Schema, error) {
	return s.client.ValidateScript(ctx, code)
}

// UpdateInputValue records a new literal on an input node. The node's cache
// record completes immediately (an input's value is its output) and its
// downstream set goes stale, so the next run recomputes exactly the affected
// subgraph.
func (s *Scheduler) UpdateInputValue(nodeID string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flow == nil {
		return
	}
	n := s.flow.Node(nodeID)
	if n == nil || !n.Kind.IsInput() {
		return
	}
	if n.Data == nil {
		n.Data = map[string]any{}
	}
	n.Data["value"] = value
	if s.cache != nil {
		s.cache.PublishInput(nodeID, inputOutputs(n.Kind, value))
	}
}

// UpdateCode replaces a code node's script. Only the node itself goes stale;
// downstream records stay until it actually re-executes.
func (s *Scheduler) UpdateCode(nodeID, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flow == nil {
		return
	}
	n := s.flow.Node(nodeID)
	if n == nil || n.Kind != flow.KindCode {
		return
	}
	if n.Data == nil {
		n.Data = map[string]any{}
	}
	n.Data["code"] = code
	if s.cache != nil {
		s.cache.MarkCodeChanged(nodeID)
	}
}

// ExecuteFlow runs the flow to completion. The returned state is always
// non-nil; when the flow failed the state's Error doubles as the returned
// error. Re-running the same flow reuses completed cache records and
// re-executes only stale or unexecuted nodes.
func (s *Scheduler) ExecuteFlow(ctx context.Context, f *flow.Flow) (*ExecutionState, error) {
	s.cancelled.Store(false)
	c := s.bind(f)

	st := &ExecutionState{
		FlowID:    f.ID,
		Status:    StatusRunning,
		Nodes:     make(map[string]NodeState, len(f.Nodes)),
		Outputs:   map[string]any{},
		StartedAt: time.Now(),
	}

	order, err := topoSort(f)
	if err != nil {
		st.Status = StatusError
		st.Error = flow.AsError(err, flow.ErrCycle)
		st.CompletedAt = time.Now()
		s.publish(EventFlowError, f.ID, "", map[string]any{"error": st.Error.Message})
		return st, st.Error
	}

	for _, id := range order {
		st.Nodes[id] = NodeState{Status: NodePending}
	}
	s.publish(EventFlowStart, f.ID, "", map[string]any{"nodes": len(order)})

	for i, nodeID := range order {
		if s.cancelled.Load() || ctx.Err() != nil {
			return s.finishCancelled(st)
		}
		n := f.Node(nodeID)

		if n.Kind == flow.KindComment {
			st.Nodes[nodeID] = NodeState{Status: NodeSkipped}
			continue
		}

		if rec, ok := c.Record(nodeID); ok && rec.Status == cache.StatusCompleted {
			st.Nodes[nodeID] = NodeState{Status: NodeCompleted, Output: rec.Output, Cached: true}
			s.publish(EventNodeStart, f.ID, nodeID, map[string]any{"cached": true})
			s.publish(EventNodeFinish, f.ID, nodeID, map[string]any{"cached": true})
			continue
		}

		s.publish(EventNodeStart, f.ID, nodeID, nil)
		c.SetStatus(nodeID, cache.StatusRunning, cache.Fields{})
		started := time.Now()

		inputs := s.gatherInputs(f, c, nodeID)
		output, nerr := s.dispatch(ctx, n, inputs)
		elapsed := time.Since(started)

		if nerr != nil {
			fe := flow.AsError(nerr, flow.ErrScript)
			fe.NodeID = nodeID
			msg := fe.Message
			c.SetStatus(nodeID, cache.StatusError, cache.Fields{Error: &msg, ExecutionTime: &elapsed})
			st.Nodes[nodeID] = NodeState{Status: NodeError, Error: fe, Duration: elapsed}
			s.publish(EventNodeError, f.ID, nodeID, map[string]any{"error": fe.Message, "kind": string(fe.Kind)})
			if s.cancelled.Load() {
				return s.finishCancelled(st)
			}
			st.Status = StatusError
			st.Error = fe
			st.CompletedAt = time.Now()
			s.publish(EventFlowError, f.ID, nodeID, map[string]any{"error": fe.Message, "kind": string(fe.Kind)})
			return st, fe
		}

		// A freshly produced value dirties everything downstream so a
		// partially cached re-run recomputes the whole affected subgraph.
		c.InvalidateDownstream(nodeID)
		c.SetOutput(nodeID, output)
		st.Nodes[nodeID] = NodeState{Status: NodeCompleted, Output: output, Duration: elapsed}
		s.publish(EventNodeFinish, f.ID, nodeID, map[string]any{"durationMs": elapsed.Milliseconds()})
		s.publish(EventProgress, f.ID, nodeID, map[string]any{
			"message": "node completed",
			"percent": float64(i+1) / float64(len(order)) * 100,
		})
	}

	st.Outputs = collectFinalOutputs(f, st)
	st.Status = StatusCompleted
	st.CompletedAt = time.Now()
	s.publish(EventFlowFinish, f.ID, "", map[string]any{"outputs": st.Outputs})
	return st, nil
}

// bind attaches the flow, keeping the existing cache when the same flow is
// re-run so staleness from edits is honored.
func (s *Scheduler) bind(f *flow.Flow) *cache.Cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flow == nil || s.flow.ID != f.ID {
		s.cache = cache.New(f)
	} else {
		s.cache.SetEdges(f.Edges)
	}
	s.flow = f
	return s.cache
}

func (s *Scheduler) finishCancelled(st *ExecutionState) (*ExecutionState, error) {
	st.Status = StatusCancelled
	st.Error = flow.Errorf(flow.ErrCancelled, "flow execution cancelled")
	st.CompletedAt = time.Now()
	s.publish(EventFlowCancelled, st.FlowID, "", nil)
	return st, st.Error
}

// gatherInputs walks the node's incoming edges: each edge carries the source
// record's value under the source handle, falling back to the raw output when
// the handle is absent, stored under the target handle. A later edge to the
// same target handle overwrites an earlier one.
func (s *Scheduler) gatherInputs(f *flow.Flow, c *cache.Cache, nodeID string) map[string]any {
	inputs := map[string]any{}
	for _, e := range f.IncomingEdges(nodeID) {
		rec, ok := c.Record(e.Source)
		if !ok || rec.Output == nil {
			continue
		}
		if v, found := rec.Output[e.SourceName()]; found {
			inputs[e.TargetName()] = v
		} else {
			inputs[e.TargetName()] = rec.Output
		}
	}
	return inputs
}

// dispatch executes one node by kind.
func (s *Scheduler) dispatch(ctx context.Context, n *flow.Node, inputs map[string]any) (map[string]any, error) {
	switch p := n.Payload().(type) {
	case flow.CodePayload:
		return s.runCode(ctx, p, inputs)
	case flow.InputPayload:
		return inputOutputs(n.Kind, p.Value), nil
	case flow.OutputPayload:
		label := p.Label
		if label == "" {
			label = "output"
		}
		return map[string]any{label: singleInput(inputs)}, nil
	case flow.ViewerPayload:
		return map[string]any{flow.DefaultHandle: singleInput(inputs)}, nil
	case flow.FileOutputPayload:
		label := p.Label
		if label == "" {
			label = p.Filename
		}
		if label == "" {
			label = "output"
		}
		return map[string]any{label: singleInput(inputs)}, nil
	case flow.SubflowPayload:
		return s.runSubflow(ctx, n, p, inputs)
	case flow.PassthroughPayload:
		if p.HasValue {
			return map[string]any{flow.DefaultHandle: p.Value}, nil
		}
		return map[string]any{}, nil
	default:
		return map[string]any{}, nil
	}
}

func (s *Scheduler) runCode(ctx context.Context, p flow.CodePayload, inputs map[string]any) (map[string]any, error) {
	timeout := s.nodeTimeout.Milliseconds()
	if p.TimeoutMS > 0 {
		timeout = int64(p.TimeoutMS)
	}
	res, err := s.client.ExecuteScript(ctx, p.Code, inputs, worker.ExecuteOptions{Timeout: timeout})
	if err != nil {
		if errors.Is(err, worker.ErrTerminated) {
			return nil, flow.Errorf(flow.ErrWorkerTerminated, "worker terminated")
		}
		return nil, err
	}
	if !res.Success {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, flow.Errorf(flow.ErrScript, "script execution failed")
	}
	if res.Result == nil {
		return map[string]any{}, nil
	}
	return res.Result, nil
}

// runSubflow executes the embedded flow on a child scheduler sharing this
// one's worker. Declared input ports map onto the inner flow's input nodes
// by label; inner lifecycle events surface as progress on the parent bus.
func (s *Scheduler) runSubflow(ctx context.Context, n *flow.Node, p flow.SubflowPayload, inputs map[string]any) (map[string]any, error) {
	if p.Flow == nil {
		return nil, flow.Errorf(flow.ErrValidation, "subflow has no embedded flow")
	}
	inner := *p.Flow
	if inner.ID == "" {
		inner.ID = n.ID + "-subflow"
	}
	for _, port := range p.Inputs {
		v, ok := inputs[port.Name]
		if !ok {
			if port.Default == nil {
				continue
			}
			v = port.Default
		}
		setInputByLabel(&inner, port.Name, v)
	}

	child := &Scheduler{client: s.client, bus: NewBus(), log: s.log, nodeTimeout: s.nodeTimeout}
	child.bus.Subscribe(func(ev Event) {
		switch ev.Type {
		case EventNodeStart, EventNodeFinish, EventNodeError:
			s.publish(EventProgress, inner.ID, ev.NodeID, map[string]any{
				"message": string(ev.Type), "subflow": n.ID,
			})
		}
	})
	st, err := child.ExecuteFlow(ctx, &inner)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(p.Outputs))
	for _, port := range p.Outputs {
		v, ok := st.Outputs[port.Name]
		if !ok {
			if port.Default == nil {
				continue
			}
			v = port.Default
		}
		out[port.Name] = v
	}
	if len(p.Outputs) == 0 {
		return st.Outputs, nil
	}
	return out, nil
}

// setInputByLabel rewrites the value of every non-constant input node whose
// label (or id when unlabeled) matches name.
func setInputByLabel(f *flow.Flow, name string, value any) {
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if !n.Kind.IsInput() {
			continue
		}
		p, _ := n.Payload().(flow.InputPayload)
		if p.IsConstant {
			continue
		}
		label := p.Label
		if label == "" {
			label = n.ID
		}
		if label != name {
			continue
		}
		if n.Data == nil {
			n.Data = map[string]any{}
		}
		n.Data["value"] = value
	}
}

// inputOutputs shapes an input node's published output. Schematic inputs
// expose the value under both "schematic" and "output"; everything else
// under "output" and "default".
func inputOutputs(kind flow.NodeKind, value any) map[string]any {
	if kind == flow.KindSchematicInput {
		return map[string]any{"schematic": value, "output": value}
	}
	return map[string]any{"output": value, flow.DefaultHandle: value}
}

// singleInput resolves a node's one incoming value: the "default" handle if
// present, otherwise the first key in sorted order.
func singleInput(inputs map[string]any) any {
	if v, ok := inputs[flow.DefaultHandle]; ok {
		return v
	}
	if len(inputs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return inputs[keys[0]]
}

// collectFinalOutputs merges the outputs of every output-kind node, skipping
// nil values. Viewer and code outputs are excluded by construction.
func collectFinalOutputs(f *flow.Flow, st *ExecutionState) map[string]any {
	final := map[string]any{}
	for _, n := range f.Nodes {
		if !n.Kind.IsOutput() {
			continue
		}
		ns, ok := st.Nodes[n.ID]
		if !ok || ns.Output == nil {
			continue
		}
		for k, v := range ns.Output {
			if v == nil {
				continue
			}
			final[k] = v
		}
	}
	return final
}

func (s *Scheduler) publish(t EventType, flowID, nodeID string, payload map[string]any) {
	s.bus.Publish(Event{Type: t, FlowID: flowID, NodeID: nodeID, Payload: payload, Timestamp: time.Now()})
}
