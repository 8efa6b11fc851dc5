package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nano112/polymerase-sub001/internal/cache"
	"github.com/Nano112/polymerase-sub001/internal/flow"
	"github.com/Nano112/polymerase-sub001/internal/worker"
)

func strPtr(s string) *string { return &s }

// recorder captures bus events; progress may arrive from worker goroutines.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) nodeLifecycle() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		switch e.Type {
		case EventNodeStart, EventNodeFinish, EventNodeError:
			out = append(out, e)
		}
	}
	return out
}

func chainFlow() *flow.Flow {
	return &flow.Flow{
		ID:   "flow-chain",
		Name: "chain",
		Nodes: []flow.Node{
			{ID: "in", Kind: flow.KindInput, Data: map[string]any{"value": float64(7), "dataType": "number", "label": "x"}},
			{ID: "double", Kind: flow.KindCode, Data: map[string]any{"code": "x * 2"}},
			{ID: "out", Kind: flow.KindOutput, Data: map[string]any{"label": "answer"}},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "in", SourceHandle: strPtr("output"), Target: "double", TargetHandle: strPtr("x")},
			{ID: "e2", Source: "double", Target: "out"},
		},
	}
}

func newTestScheduler(t *testing.T, rec *recorder) *Scheduler {
	t.Helper()
	bus := NewBus()
	if rec != nil {
		bus.Subscribe(rec.handle)
	}
	s := New(Options{Bus: bus, Logger: slog.Default()})
	t.Cleanup(s.Close)
	return s
}

func TestExecuteFlow_Chain(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(t, rec)

	st, err := s.ExecuteFlow(context.Background(), chainFlow())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, map[string]any{"answer": float64(14)}, st.Outputs)

	// Lifecycle events arrive in topological order.
	life := rec.nodeLifecycle()
	require.Len(t, life, 6)
	want := []struct {
		t    EventType
		node string
	}{
		{EventNodeStart, "in"}, {EventNodeFinish, "in"},
		{EventNodeStart, "double"}, {EventNodeFinish, "double"},
		{EventNodeStart, "out"}, {EventNodeFinish, "out"},
	}
	for i, w := range want {
		assert.Equal(t, w.t, life[i].Type, "event %d", i)
		assert.Equal(t, w.node, life[i].NodeID, "event %d", i)
	}

	// Every node's cache record is completed afterwards.
	for _, id := range []string{"in", "double", "out"} {
		rec, ok := s.Cache().Record(id)
		require.True(t, ok)
		assert.Equal(t, cache.StatusCompleted, rec.Status, id)
	}
}

func TestExecuteFlow_InvalidationRerun(t *testing.T) {
	s := newTestScheduler(t, nil)
	f := chainFlow()

	st, err := s.ExecuteFlow(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"answer": float64(14)}, st.Outputs)

	// Changing the input publishes immediately and dirties downstream.
	s.UpdateInputValue("in", float64(9))
	rec, _ := s.Cache().Record("in")
	assert.Equal(t, cache.StatusCompleted, rec.Status)
	rec, _ = s.Cache().Record("double")
	assert.Equal(t, cache.StatusStale, rec.Status)
	rec, _ = s.Cache().Record("out")
	assert.Equal(t, cache.StatusStale, rec.Status)

	st, err = s.ExecuteFlow(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"answer": float64(18)}, st.Outputs)
}

func TestExecuteFlow_CodeChangeOnlyStalesItself(t *testing.T) {
	s := newTestScheduler(t, nil)
	f := chainFlow()
	_, err := s.ExecuteFlow(context.Background(), f)
	require.NoError(t, err)

	s.UpdateCode("double", "x * 3")
	rec, _ := s.Cache().Record("double")
	assert.Equal(t, cache.StatusStale, rec.Status)
	rec, _ = s.Cache().Record("out")
	assert.Equal(t, cache.StatusCompleted, rec.Status)

	st, err := s.ExecuteFlow(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"answer": float64(21)}, st.Outputs)
}

func TestExecuteFlow_CycleRejectedBeforeAnyNode(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(t, rec)
	f := &flow.Flow{
		ID: "flow-cycle",
		Nodes: []flow.Node{
			{ID: "a", Kind: flow.KindCode, Data: map[string]any{"code": "1"}},
			{ID: "b", Kind: flow.KindCode, Data: map[string]any{"code": "2"}},
			{ID: "out", Kind: flow.KindOutput},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
			{ID: "e3", Source: "b", Target: "out"},
		},
	}

	st, err := s.ExecuteFlow(context.Background(), f)
	require.Error(t, err)
	assert.Equal(t, StatusError, st.Status)
	require.NotNil(t, st.Error)
	assert.Equal(t, flow.ErrCycle, st.Error.Kind)
	assert.Empty(t, rec.ofType(EventNodeStart))
}

func TestExecuteFlow_Cancellation(t *testing.T) {
	bus := NewBus()
	factory := worker.PipeFactory(slog.Default(), map[string]worker.ProviderFunc{
		"sleep": func() any {
			return func(ms int) bool {
				time.Sleep(time.Duration(ms) * time.Millisecond)
				return true
			}
		},
	})
	s := New(Options{Bus: bus, Factory: factory, NodeTimeout: 30 * time.Second})
	defer s.Close()

	f := &flow.Flow{
		ID: "flow-sleep",
		Nodes: []flow.Node{
			{ID: "slow", Kind: flow.KindCode, Data: map[string]any{"code": "sleep(10000)"}},
			{ID: "out", Kind: flow.KindOutput, Data: map[string]any{"label": "done"}},
		},
		Edges: []flow.Edge{{ID: "e1", Source: "slow", Target: "out"}},
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.Cancel()
	}()

	start := time.Now()
	st, err := s.ExecuteFlow(context.Background(), f)
	require.Error(t, err)
	assert.Equal(t, StatusCancelled, st.Status)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, flow.ErrWorkerTerminated, st.Nodes["slow"].Error.Kind)

	// The next script spawns a fresh worker lazily.
	res, err := s.ExecuteScript(context.Background(), "21 * 2", nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, float64(42), res.Result[flow.DefaultHandle])
}

func TestExecuteFlow_ScriptErrorHaltsFlow(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(t, rec)
	f := &flow.Flow{
		ID: "flow-err",
		Nodes: []flow.Node{
			{ID: "bad", Kind: flow.KindCode, Data: map[string]any{"code": "undefined_fn()"}},
			{ID: "next", Kind: flow.KindCode, Data: map[string]any{"code": "1"}},
			{ID: "out", Kind: flow.KindOutput},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "bad", Target: "next"},
			{ID: "e2", Source: "next", Target: "out"},
		},
	}

	st, err := s.ExecuteFlow(context.Background(), f)
	require.Error(t, err)
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, NodeError, st.Nodes["bad"].Status)
	assert.Equal(t, NodePending, st.Nodes["next"].Status)
	require.Len(t, rec.ofType(EventNodeError), 1)
	require.Len(t, rec.ofType(EventFlowError), 1)
}

func TestExecuteFlow_ViewerExcludedFromFinalOutput(t *testing.T) {
	s := newTestScheduler(t, nil)
	f := &flow.Flow{
		ID: "flow-viewer",
		Nodes: []flow.Node{
			{ID: "in", Kind: flow.KindInput, Data: map[string]any{"value": "hello"}},
			{ID: "view", Kind: flow.KindViewer, Data: map[string]any{"passthrough": true}},
			{ID: "out", Kind: flow.KindOutput, Data: map[string]any{"label": "echo"}},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "in", Target: "view"},
			{ID: "e2", Source: "view", Target: "out"},
		},
	}

	st, err := s.ExecuteFlow(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "hello"}, st.Outputs)
}

func TestExecuteFlow_ConstantOnlyFlowCompletesEmpty(t *testing.T) {
	s := newTestScheduler(t, nil)
	f := &flow.Flow{
		ID: "flow-const",
		Nodes: []flow.Node{
			{ID: "c1", Kind: flow.KindInput, Data: map[string]any{"value": float64(1), "isConstant": true}},
			{ID: "c2", Kind: flow.KindInput, Data: map[string]any{"value": "fixed", "isConstant": true}},
		},
	}
	st, err := s.ExecuteFlow(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Empty(t, st.Outputs)
}

func TestExecuteFlow_UnconnectedOutputContributesNothing(t *testing.T) {
	s := newTestScheduler(t, nil)
	f := &flow.Flow{
		ID: "flow-dangling",
		Nodes: []flow.Node{
			{ID: "in", Kind: flow.KindInput, Data: map[string]any{"value": float64(5)}},
			{ID: "out", Kind: flow.KindOutput, Data: map[string]any{"label": "present"}},
			{ID: "dangling", Kind: flow.KindOutput, Data: map[string]any{"label": "absent"}},
		},
		Edges: []flow.Edge{{ID: "e1", Source: "in", Target: "out"}},
	}
	st, err := s.ExecuteFlow(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"present": float64(5)}, st.Outputs)
	_, present := st.Outputs["absent"]
	assert.False(t, present)
}

func TestExecuteFlow_LastEdgeWinsOnHandleCollision(t *testing.T) {
	s := newTestScheduler(t, nil)
	f := &flow.Flow{
		ID: "flow-collide",
		Nodes: []flow.Node{
			{ID: "a", Kind: flow.KindInput, Data: map[string]any{"value": float64(1)}},
			{ID: "b", Kind: flow.KindInput, Data: map[string]any{"value": float64(2)}},
			{ID: "out", Kind: flow.KindOutput, Data: map[string]any{"label": "winner"}},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "a", Target: "out"},
			{ID: "e2", Source: "b", Target: "out"},
		},
	}
	st, err := s.ExecuteFlow(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"winner": float64(2)}, st.Outputs)
}

func TestExecuteFlow_UnknownKindPassesThrough(t *testing.T) {
	s := newTestScheduler(t, nil)
	f := &flow.Flow{
		ID: "flow-forward-compat",
		Nodes: []flow.Node{
			{ID: "future", Kind: "hologram", Data: map[string]any{"value": "beam"}},
			{ID: "mystery", Kind: "quantum"},
			{ID: "out", Kind: flow.KindOutput, Data: map[string]any{"label": "echo"}},
		},
		Edges: []flow.Edge{{ID: "e1", Source: "future", Target: "out"}},
	}
	st, err := s.ExecuteFlow(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "beam"}, st.Outputs)
	assert.Equal(t, NodeCompleted, st.Nodes["mystery"].Status)
}

func TestExecuteFlow_CommentSkipped(t *testing.T) {
	s := newTestScheduler(t, nil)
	f := &flow.Flow{
		ID: "flow-comment",
		Nodes: []flow.Node{
			{ID: "note", Kind: flow.KindComment, Data: map[string]any{"text": "remember"}},
			{ID: "in", Kind: flow.KindInput, Data: map[string]any{"value": float64(3)}},
			{ID: "out", Kind: flow.KindOutput, Data: map[string]any{"label": "v"}},
		},
		Edges: []flow.Edge{{ID: "e1", Source: "in", Target: "out"}},
	}
	st, err := s.ExecuteFlow(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, NodeSkipped, st.Nodes["note"].Status)
	assert.Equal(t, map[string]any{"v": float64(3)}, st.Outputs)
}

func TestExecuteFlow_Subflow(t *testing.T) {
	s := newTestScheduler(t, nil)
	f := &flow.Flow{
		ID: "flow-parent",
		Nodes: []flow.Node{
			{ID: "in", Kind: flow.KindInput, Data: map[string]any{"value": float64(4), "label": "n"}},
			{ID: "sub", Kind: flow.KindSubflow, Data: map[string]any{
				"flow": map[string]any{
					"id": "inner",
					"nodes": []any{
						map[string]any{"id": "sin", "type": "input", "data": map[string]any{"value": float64(0), "label": "n"}},
						map[string]any{"id": "sq", "type": "code", "data": map[string]any{"code": "n * n"}},
						map[string]any{"id": "sout", "type": "output", "data": map[string]any{"label": "squared"}},
					},
					"edges": []any{
						map[string]any{"id": "se1", "source": "sin", "sourceHandle": "output", "target": "sq", "targetHandle": "n"},
						map[string]any{"id": "se2", "source": "sq", "target": "sout"},
					},
				},
				"ports": map[string]any{
					"inputs":  []any{map[string]any{"name": "n", "type": "number"}},
					"outputs": []any{map[string]any{"name": "squared", "type": "number"}},
				},
			}},
			{ID: "out", Kind: flow.KindOutput, Data: map[string]any{"label": "result"}},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "in", SourceHandle: strPtr("output"), Target: "sub", TargetHandle: strPtr("n")},
			{ID: "e2", Source: "sub", SourceHandle: strPtr("squared"), Target: "out"},
		},
	}
	st, err := s.ExecuteFlow(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": float64(16)}, st.Outputs)
}

func TestExecuteScript_Standalone(t *testing.T) {
	s := newTestScheduler(t, nil)
	res, err := s.ExecuteScript(context.Background(), "a + b", map[string]any{"a": float64(2), "b": float64(3)})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, float64(5), res.Result[flow.DefaultHandle])
}

func TestValidateScript(t *testing.T) {
	s := newTestScheduler(t, nil)
	schema, err := s.ValidateScript(context.Background(), "#input x number\n#output y number\n{y: x + 1}")
	require.NoError(t, err)
	require.NotNil(t, schema)
	require.Len(t, schema.Inputs, 1)
	assert.Equal(t, "x", schema.Inputs[0].Name)

	_, err = s.ValidateScript(context.Background(), "1 +")
	require.Error(t, err)
}
