package cache

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// chainFlow builds a → b → c → d with an extra side branch b → e.
func chainFlow() *flow.Flow {
	f := &flow.Flow{ID: "flow_test", Name: "test"}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		f.Nodes = append(f.Nodes, flow.Node{ID: id, Kind: flow.KindCode})
	}
	f.Edges = []flow.Edge{
		{ID: "e1", Source: "a", Target: "b"},
		{ID: "e2", Source: "b", Target: "c"},
		{ID: "e3", Source: "c", Target: "d"},
		{ID: "e4", Source: "b", Target: "e"},
	}
	return f
}

func completeAll(c *Cache, ids ...string) {
	for _, id := range ids {
		c.SetOutput(id, map[string]any{"value": id})
	}
}

func TestInvalidate_MarksExactlyDownstreamSet(t *testing.T) {
	c := New(chainFlow())
	completeAll(c, "a", "b", "c", "d", "e")

	c.Invalidate("b")

	wantStale := map[string]bool{"b": true, "c": true, "d": true, "e": true}
	for id, rec := range c.Snapshot() {
		if wantStale[id] && rec.Status != StatusStale {
			t.Errorf("node %s: status = %s, want stale", id, rec.Status)
		}
		if !wantStale[id] && rec.Status == StatusStale {
			t.Errorf("node %s: marked stale but not downstream of b", id)
		}
	}
	if rec, _ := c.Record("a"); rec.Status != StatusCompleted {
		t.Errorf("upstream node a: status = %s, want completed", rec.Status)
	}
}

func TestInvalidateDownstream_LeavesNodeItself(t *testing.T) {
	c := New(chainFlow())
	completeAll(c, "a", "b", "c")

	c.InvalidateDownstream("b")

	if rec, _ := c.Record("b"); rec.Status != StatusCompleted {
		t.Errorf("b: status = %s, want completed", rec.Status)
	}
	if rec, _ := c.Record("c"); rec.Status != StatusStale {
		t.Errorf("c: status = %s, want stale", rec.Status)
	}
}

func TestDownstream_DiamondConvergence(t *testing.T) {
	f := &flow.Flow{ID: "flow_diamond"}
	for _, id := range []string{"top", "left", "right", "bottom"} {
		f.Nodes = append(f.Nodes, flow.Node{ID: id, Kind: flow.KindCode})
	}
	f.Edges = []flow.Edge{
		{ID: "e1", Source: "top", Target: "left"},
		{ID: "e2", Source: "top", Target: "right"},
		{ID: "e3", Source: "left", Target: "bottom"},
		{ID: "e4", Source: "right", Target: "bottom"},
	}
	c := New(f)

	got := c.Downstream("top")
	sort.Strings(got)
	want := []string{"bottom", "left", "right"}
	if len(got) != len(want) {
		t.Fatalf("Downstream(top) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Downstream(top) = %v, want %v", got, want)
		}
	}
}

func TestPublishInput_CompletesNodeAndStalesDownstream(t *testing.T) {
	c := New(chainFlow())
	completeAll(c, "a", "b", "c", "d", "e")

	c.PublishInput("a", map[string]any{"value": 42})

	rec, _ := c.Record("a")
	if rec.Status != StatusCompleted {
		t.Fatalf("a: status = %s, want completed", rec.Status)
	}
	if rec.Output["value"] != 42 {
		t.Fatalf("a: output = %v, want 42", rec.Output["value"])
	}
	for _, id := range []string{"b", "c", "d", "e"} {
		if rec, _ := c.Record(id); rec.Status != StatusStale {
			t.Errorf("%s: status = %s, want stale", id, rec.Status)
		}
	}
}

func TestMarkCodeChanged_OnlyStalesItself(t *testing.T) {
	c := New(chainFlow())
	completeAll(c, "b", "c")

	c.MarkCodeChanged("b")

	if rec, _ := c.Record("b"); rec.Status != StatusStale {
		t.Errorf("b: status = %s, want stale", rec.Status)
	}
	if rec, _ := c.Record("c"); rec.Status != StatusCompleted {
		t.Errorf("c: status = %s, want completed (downstream deferred)", rec.Status)
	}
}

func TestConnectionChanged_StalesTargetAndDownstream(t *testing.T) {
	c := New(chainFlow())
	completeAll(c, "a", "b", "c", "d")

	c.ConnectionChanged("c")

	for _, id := range []string{"c", "d"} {
		if rec, _ := c.Record(id); rec.Status != StatusStale {
			t.Errorf("%s: status = %s, want stale", id, rec.Status)
		}
	}
	for _, id := range []string{"a", "b"} {
		if rec, _ := c.Record(id); rec.Status != StatusCompleted {
			t.Errorf("%s: status = %s, want completed", id, rec.Status)
		}
	}
}

func TestSetStatus_PreservesAbsentFields(t *testing.T) {
	c := New(chainFlow())
	c.SetOutput("a", map[string]any{"value": "kept"})

	c.SetStatus("a", StatusRunning, Fields{})

	rec, _ := c.Record("a")
	if rec.Status != StatusRunning {
		t.Fatalf("status = %s, want running", rec.Status)
	}
	if rec.Output["value"] != "kept" {
		t.Fatalf("output dropped on status-only transition: %v", rec.Output)
	}

	msg := "boom"
	took := 120 * time.Millisecond
	c.SetStatus("a", StatusError, Fields{Error: &msg, ExecutionTime: &took})
	rec, _ = c.Record("a")
	if rec.Error == nil || *rec.Error != "boom" {
		t.Fatalf("error = %v, want boom", rec.Error)
	}
	if rec.ExecutionTime != took {
		t.Fatalf("executionTime = %v, want %v", rec.ExecutionTime, took)
	}
}

func TestIsEdgeReady(t *testing.T) {
	c := New(chainFlow())
	if c.IsEdgeReady("e1") {
		t.Fatal("edge e1 ready before source completed")
	}
	c.SetOutput("a", map[string]any{"value": 1})
	if !c.IsEdgeReady("e1") {
		t.Fatal("edge e1 not ready after source completed")
	}
	if c.IsEdgeReady("missing") {
		t.Fatal("unknown edge reported ready")
	}
}

func TestClearAll_ResetsEveryRecord(t *testing.T) {
	c := New(chainFlow())
	completeAll(c, "a", "b")
	c.ClearAll()
	for id, rec := range c.Snapshot() {
		if rec.Status != StatusIdle {
			t.Errorf("%s: status = %s, want idle", id, rec.Status)
		}
		if rec.Output != nil {
			t.Errorf("%s: output survived ClearAll", id)
		}
	}
}

func TestGeneration_OrdersOverlappingMutations(t *testing.T) {
	c := New(chainFlow())
	g0 := c.Generation()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.SetOutput("a", map[string]any{"value": i})
			c.Invalidate("a")
		}(i)
	}
	wg.Wait()

	if got := c.Generation(); got != g0+16 {
		t.Fatalf("generation = %d, want %d", got, g0+16)
	}
	rec, _ := c.Record("a")
	if rec.Generation == 0 || rec.Generation > c.Generation() {
		t.Fatalf("record generation %d outside mutation range %d", rec.Generation, c.Generation())
	}
}

func TestSetEdges_RewiresDownstreamWalk(t *testing.T) {
	c := New(chainFlow())
	completeAll(c, "a", "b", "c", "d", "e")

	// Drop b → c; invalidating b must no longer reach c or d.
	c.SetEdges([]flow.Edge{
		{ID: "e1", Source: "a", Target: "b"},
		{ID: "e4", Source: "b", Target: "e"},
	})
	c.Invalidate("b")

	for _, tc := range []struct {
		id   string
		want Status
	}{
		{"b", StatusStale},
		{"e", StatusStale},
		{"c", StatusCompleted},
		{"d", StatusCompleted},
	} {
		if rec, _ := c.Record(tc.id); rec.Status != tc.want {
			t.Errorf("%s: status = %s, want %s", tc.id, rec.Status, tc.want)
		}
	}
}

func TestRecord_UnknownNode(t *testing.T) {
	c := New(chainFlow())
	if _, ok := c.Record("ghost"); ok {
		t.Fatal("unknown node returned a record")
	}
	// Writes to unseen ids create records on the fly (nodes added post-build).
	c.SetOutput("ghost", map[string]any{"value": true})
	rec, ok := c.Record("ghost")
	if !ok || rec.Status != StatusCompleted {
		t.Fatalf("record = %+v ok=%v, want completed record", rec, ok)
	}
}

func ExampleCache_Invalidate() {
	f := &flow.Flow{
		Nodes: []flow.Node{{ID: "n1"}, {ID: "n2"}},
		Edges: []flow.Edge{{ID: "e1", Source: "n1", Target: "n2"}},
	}
	c := New(f)
	c.SetOutput("n1", map[string]any{"value": 1})
	c.SetOutput("n2", map[string]any{"value": 2})
	c.Invalidate("n1")
	r1, _ := c.Record("n1")
	r2, _ := c.Record("n2")
	fmt.Println(r1.Status, r2.Status)
	// Output: stale stale
}
