package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// maxFrame bounds one newline-delimited message.
const maxFrame = 32 << 20

// lineTransport frames messages as newline-delimited JSON over a byte
// stream. Receive is single-consumer; Send is safe for concurrent use.
type lineTransport struct {
	w       io.Writer
	scanner *bufio.Scanner
	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once
	term    func() error
}

func newLineTransport(r io.Reader, w io.Writer, term func() error) *lineTransport {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrame)
	return &lineTransport{w: w, scanner: sc, term: term}
}

func (t *lineTransport) Send(msg Message) error {
	if t.closed.Load() {
		return ErrTerminated
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (t *lineTransport) Receive() (Message, error) {
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil && !t.closed.Load() {
			return Message{}, fmt.Errorf("read message: %w", err)
		}
		return Message{}, io.EOF
	}
	var msg Message
	if err := json.Unmarshal(t.scanner.Bytes(), &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

func (t *lineTransport) Terminate() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		if t.term != nil {
			err = t.term()
		}
	})
	return err
}

// NewSubprocess launches a worker process speaking the protocol over its
// stdio and returns the client-side transport. Terminate kills the process
// outright; that is the protocol's cancellation primitive.
func NewSubprocess(ctx context.Context, name string, args ...string) (Transport, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	return newLineTransport(stdout, stdin, func() error {
		_ = stdin.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		go func() { _ = cmd.Wait() }()
		return nil
	}), nil
}

// SubprocessFactory builds workers by spawning name args... per instance.
// Pointing it at this binary's "worker" subcommand gives real process
// isolation.
func SubprocessFactory(name string, args ...string) Factory {
	return func(ctx context.Context) (Transport, error) {
		return NewSubprocess(ctx, name, args...)
	}
}

// NewStdio wraps a reader/writer pair as the runtime-side transport. Used by
// the worker subcommand over its own standard streams; the parent terminates
// it by killing the process, so Terminate is a no-op.
func NewStdio(r io.Reader, w io.Writer) Transport {
	return newLineTransport(r, w, nil)
}

// ServeStdio runs a runtime over this process's standard streams until
// stdin closes or the parent kills us.
func ServeStdio(log *slog.Logger, providers map[string]ProviderFunc) error {
	rt := NewRuntime(log)
	for name, fn := range providers {
		rt.RegisterProvider(name, fn)
	}
	return rt.Serve(NewStdio(os.Stdin, os.Stdout))
}
