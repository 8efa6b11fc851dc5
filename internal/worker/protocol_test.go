package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Nano112/polymerase-sub001/internal/flow"
	"github.com/Nano112/polymerase-sub001/internal/script"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testFactory spawns in-process runtimes with a host sleepMs provider so
// tests can hold the sandbox busy deterministically.
func testFactory() Factory {
	providers := map[string]ProviderFunc{
		"sleepMs": func() any {
			return func(ms int) bool {
				time.Sleep(time.Duration(ms) * time.Millisecond)
				return true
			}
		},
	}
	return PipeFactory(testLogger(), providers)
}

func newTestClient(t *testing.T, opts ClientOptions) *Client {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	c := NewClient(testFactory(), opts)
	t.Cleanup(c.Close)
	return c
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %s, never reached %s", c.State(), want)
}

func TestClient_ExecuteRoundTrip(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	res, err := c.ExecuteScript(context.Background(), "x * 2", map[string]any{"x": 7}, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteScript: %v", err)
	}
	if !res.Success {
		t.Fatalf("success = false: %+v", res.Error)
	}
	// Every payload crosses the boundary serialized: numbers come back as
	// float64 regardless of transport.
	if got := res.Result[flow.DefaultHandle]; got != float64(14) {
		t.Fatalf("default = %v (%T), want 14", got, got)
	}
	if c.State() != StateReady {
		t.Fatalf("state = %s, want ready", c.State())
	}
}

func TestClient_InitializesOnce(t *testing.T) {
	var readies int
	var mu sync.Mutex
	c := newTestClient(t, ClientOptions{Hooks: Hooks{OnReady: func() {
		mu.Lock()
		readies++
		mu.Unlock()
	}}})
	for i := 0; i < 3; i++ {
		if _, err := c.ExecuteScript(context.Background(), "1 + 1", nil, ExecuteOptions{}); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if readies != 1 {
		t.Fatalf("worker initialized %d times, want 1", readies)
	}
}

func TestClient_StaticContextProviders(t *testing.T) {
	c := newTestClient(t, ClientOptions{ContextProviders: map[string]any{"tau": 6.28}})
	res, err := c.ExecuteScript(context.Background(), "tau * 2", nil, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteScript: %v", err)
	}
	if res.Result[flow.DefaultHandle] != float64(12.56) {
		t.Fatalf("default = %v", res.Result[flow.DefaultHandle])
	}

	providers, err := c.ContextProviders(context.Background())
	if err != nil {
		t.Fatalf("ContextProviders: %v", err)
	}
	if providers["tau"].Kind != "static" {
		t.Fatalf("tau provider = %+v", providers["tau"])
	}
	if providers["sleepMs"].Kind != "host" {
		t.Fatalf("sleepMs provider = %+v", providers["sleepMs"])
	}
}

func TestClient_ValidateScript(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	schema, err := c.ValidateScript(context.Background(), "#input a number\n#output doubled number\na * 2")
	if err != nil {
		t.Fatalf("ValidateScript: %v", err)
	}
	if schema == nil || len(schema.Inputs) != 1 || schema.Inputs[0].Name != "a" {
		t.Fatalf("schema = %+v", schema)
	}

	schema, err = c.ValidateScript(context.Background(), "a * 2")
	if err != nil {
		t.Fatalf("ValidateScript without directives: %v", err)
	}
	if schema != nil {
		t.Fatalf("schema = %+v, want nil", schema)
	}

	if _, err = c.ValidateScript(context.Background(), "a +* 2"); err == nil {
		t.Fatal("expected validation error for broken script")
	}
}

func TestClient_BusyRejectsSecondExecute(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	done := make(chan error, 1)
	go func() {
		_, err := c.ExecuteScript(context.Background(), "sleepMs(400)", nil, ExecuteOptions{})
		done <- err
	}()
	waitState(t, c, StateExecuting)

	if _, err := c.ExecuteScript(context.Background(), "1 + 1", nil, ExecuteOptions{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second execute error = %v, want ErrBusy", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first execute: %v", err)
	}
}

func TestClient_CancelByTermination(t *testing.T) {
	var cancelled []bool
	var mu sync.Mutex
	c := newTestClient(t, ClientOptions{Hooks: Hooks{OnCancelled: func(forced bool) {
		mu.Lock()
		cancelled = append(cancelled, forced)
		mu.Unlock()
	}}})

	done := make(chan error, 1)
	go func() {
		_, err := c.ExecuteScript(context.Background(), "sleepMs(5000)", nil, ExecuteOptions{})
		done <- err
	}()
	waitState(t, c, StateExecuting)

	start := time.Now()
	if res := c.CancelExecution(); !res.Cancelled {
		t.Fatal("CancelExecution = false while executing")
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrTerminated) {
			t.Fatalf("in-flight execute error = %v, want ErrTerminated", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("in-flight execute not rejected within 500ms of cancel")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("cancellation took %v", elapsed)
	}
	if c.State() != StateInitializing {
		t.Fatalf("state after cancel = %s, want initializing", c.State())
	}
	mu.Lock()
	if len(cancelled) != 1 || !cancelled[0] {
		t.Fatalf("OnCancelled calls = %v, want one forced", cancelled)
	}
	mu.Unlock()

	// The next request spawns a fresh worker lazily.
	res, err := c.ExecuteScript(context.Background(), "1 + 1", nil, ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute after cancel: %v", err)
	}
	if res.Result[flow.DefaultHandle] != float64(2) {
		t.Fatalf("default = %v", res.Result[flow.DefaultHandle])
	}
}

func TestClient_CancelWhenIdle(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	if res := c.CancelExecution(); res.Cancelled {
		t.Fatal("CancelExecution = true with no execution in flight")
	}
}

func TestClient_WatchdogExpiresAndLateResponseIsDropped(t *testing.T) {
	c := newTestClient(t, ClientOptions{RequestTimeout: 80 * time.Millisecond})
	start := time.Now()
	_, err := c.ExecuteScript(context.Background(), "sleepMs(400)", nil, ExecuteOptions{})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("error = %v, want watchdog timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 350*time.Millisecond {
		t.Fatalf("watchdog fired after %v", elapsed)
	}

	// Let the worker finish; its response targets an untracked id and must
	// be ignored, leaving the session usable.
	time.Sleep(500 * time.Millisecond)
	res, err := c.ExecuteScript(context.Background(), "2 + 2", nil, ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute after watchdog: %v", err)
	}
	if res.Result[flow.DefaultHandle] != float64(4) {
		t.Fatalf("default = %v", res.Result[flow.DefaultHandle])
	}
}

func TestClient_HandleRoundTrip(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	ctx := context.Background()

	id, err := c.StoreData(ctx, "hello world", "text", map[string]any{"lang": "en"})
	if err != nil {
		t.Fatalf("StoreData: %v", err)
	}
	data, err := c.GetData(ctx, id)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if data.Format != "text" || data.Data != "hello world" {
		t.Fatalf("payload = %+v", data)
	}
	if data.Metadata["lang"] != "en" {
		t.Fatalf("metadata = %v", data.Metadata)
	}

	list, err := c.ListHandles(ctx)
	if err != nil {
		t.Fatalf("ListHandles: %v", err)
	}
	if list.Stats.Count != 1 || list.Handles[0].ID != id {
		t.Fatalf("list = %+v", list)
	}

	released, err := c.ReleaseData(ctx, id)
	if err != nil || !released {
		t.Fatalf("ReleaseData = %v, %v", released, err)
	}
	released, err = c.ReleaseData(ctx, id)
	if err != nil || released {
		t.Fatalf("second ReleaseData = %v, %v", released, err)
	}
	if _, err = c.GetData(ctx, id); err == nil {
		t.Fatal("GetData succeeded for released handle")
	}
}

func TestClient_GetPreviewTruncates(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	ctx := context.Background()
	big := strings.Repeat("a", 3*PreviewLimit)

	id, err := c.StoreData(ctx, big, "text", nil)
	if err != nil {
		t.Fatalf("StoreData: %v", err)
	}
	preview, err := c.GetPreview(ctx, id)
	if err != nil {
		t.Fatalf("GetPreview: %v", err)
	}
	s, _ := preview.Data.(string)
	if len(s) != PreviewLimit {
		t.Fatalf("preview length = %d, want %d", len(s), PreviewLimit)
	}
	if preview.Metadata["truncated"] != true {
		t.Fatalf("metadata = %v, want truncated flag", preview.Metadata)
	}
	if preview.Metadata["fullSize"] != float64(len(big)) {
		t.Fatalf("fullSize = %v", preview.Metadata["fullSize"])
	}

	full, err := c.GetData(ctx, id)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if got, _ := full.Data.(string); len(got) != len(big) {
		t.Fatalf("full fetch length = %d, want %d", len(got), len(big))
	}
}

func TestExecute_SchematicOutputsBecomeHandles(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	res, err := c.ExecuteScript(context.Background(),
		`{model: schematic({r: 1}, {name: "ball"})}`, nil, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteScript: %v", err)
	}
	if !res.Success {
		t.Fatalf("success = false: %+v", res.Error)
	}
	id, format, ok := script.HandleID(res.Result["model"])
	if !ok || format != "schem" {
		t.Fatalf("model = %v, want schem handle descriptor", res.Result["model"])
	}
	if len(res.Schematics) != 1 || res.Schematics[0] != id {
		t.Fatalf("schematics = %v, want [%s]", res.Schematics, id)
	}

	data, err := c.GetData(context.Background(), id)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if data.Format != "schem" {
		t.Fatalf("format = %s", data.Format)
	}
	b64, _ := data.Data.(string)
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if !strings.Contains(string(raw), "ball") {
		t.Fatalf("materialized schematic missing metadata: %s", raw)
	}
}

func TestExecute_HandleInputsMaterializeInWorker(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	ctx := context.Background()

	first, err := c.ExecuteScript(ctx, `store(blob("AAEC"), "binary")`, nil, ExecuteOptions{})
	if err != nil || !first.Success {
		t.Fatalf("first execute = %+v, %v", first, err)
	}
	descriptor := first.Result[flow.DefaultHandle]
	if _, _, ok := script.HandleID(descriptor); !ok {
		t.Fatalf("result = %v, want handle descriptor", descriptor)
	}

	// Feeding the descriptor downstream resolves to the live bytes inside
	// the worker; the value never re-crosses the boundary.
	second, err := c.ExecuteScript(ctx, "len(x)", map[string]any{"x": descriptor}, ExecuteOptions{})
	if err != nil || !second.Success {
		t.Fatalf("second execute = %+v, %v", second, err)
	}
	if second.Result[flow.DefaultHandle] != float64(3) {
		t.Fatalf("len = %v, want 3", second.Result[flow.DefaultHandle])
	}
}

func TestExecute_ScriptFailureIsReportedNotFatal(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	res, err := c.ExecuteScript(context.Background(), "nope + 1", nil, ExecuteOptions{})
	if err != nil {
		t.Fatalf("transport error = %v, want in-band failure", err)
	}
	if res.Success {
		t.Fatal("success = true for a broken script")
	}
	if res.Error == nil || res.Error.Kind != flow.ErrScript {
		t.Fatalf("error = %+v, want script kind", res.Error)
	}
	if res.Error.Line == 0 {
		t.Fatalf("error carries no position: %+v", res.Error)
	}
	if c.State() != StateReady {
		t.Fatalf("state = %s, want ready after script failure", c.State())
	}
}

func TestClient_ProgressForwarded(t *testing.T) {
	var mu sync.Mutex
	var msgs []string
	var pcts []float64
	c := newTestClient(t, ClientOptions{Hooks: Hooks{OnProgress: func(ev ProgressEvent) {
		mu.Lock()
		msgs = append(msgs, ev.Message)
		if ev.Percent != nil {
			pcts = append(pcts, *ev.Percent)
		}
		mu.Unlock()
	}}})

	_, err := c.ExecuteScript(context.Background(),
		`[progress("start", 0), progress("done"), 1][2]`, nil, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteScript: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(msgs) != 2 || msgs[0] != "start" || msgs[1] != "done" {
		t.Fatalf("messages = %v", msgs)
	}
	if len(pcts) != 1 || pcts[0] != 0 {
		t.Fatalf("percents = %v", pcts)
	}
}

func TestHandleEvent_ProgressDiscardedWhileInitializing(t *testing.T) {
	var fired bool
	c := NewClient(testFactory(), ClientOptions{
		Logger: testLogger(),
		Hooks:  Hooks{OnProgress: func(ProgressEvent) { fired = true }},
	})
	s := &session{pending: make(map[int64]chan Message)}
	c.sess = s
	c.state = StateInitializing

	payload, _ := json.Marshal(ProgressEvent{Message: "latent"})
	c.handleEvent(s, Message{Type: TypeProgress, Payload: payload})
	if fired {
		t.Fatal("progress delivered while initializing")
	}

	c.state = StateExecuting
	c.handleEvent(s, Message{Type: TypeProgress, Payload: payload})
	if !fired {
		t.Fatal("progress not delivered while executing")
	}

	// Events from a replaced session never reach the caller.
	fired = false
	stale := &session{pending: make(map[int64]chan Message)}
	c.handleEvent(stale, Message{Type: TypeProgress, Payload: payload})
	if fired {
		t.Fatal("progress from a replaced worker mutated caller state")
	}
}

func TestLineTransport_Framing(t *testing.T) {
	clientRead, runtimeWrite := io.Pipe()
	runtimeRead, clientWrite := io.Pipe()
	clientEnd := newLineTransport(clientRead, clientWrite, nil)
	runtimeEnd := newLineTransport(runtimeRead, runtimeWrite, nil)

	go func() {
		msg, err := runtimeEnd.Receive()
		if err != nil {
			return
		}
		id := *msg.ID
		_ = runtimeEnd.Send(Message{Type: TypeResult, ID: &id, Payload: msg.Payload})
	}()

	id := int64(7)
	payload, _ := json.Marshal(map[string]any{"x": 1})
	if err := clientEnd.Send(Message{Type: TypeExecuteScript, ID: &id, Payload: payload}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := clientEnd.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if resp.Type != TypeResult || *resp.ID != 7 {
		t.Fatalf("resp = %+v", resp)
	}

	if err := clientEnd.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := clientEnd.Send(Message{Type: TypeListHandles}); !errors.Is(err, ErrTerminated) {
		t.Fatalf("Send after terminate = %v, want ErrTerminated", err)
	}

	// EOF propagates to the runtime end when the writer closes.
	_ = clientWrite.Close()
	if _, err := runtimeEnd.Receive(); !errors.Is(err, io.EOF) {
		t.Fatalf("runtime Receive = %v, want EOF", err)
	}
}
