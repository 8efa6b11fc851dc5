package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrTerminated reports a send or receive on a transport whose worker is
// gone.
var ErrTerminated = errors.New("worker terminated")

// Transport moves protocol messages between a client and a runtime. Every
// payload crosses fully serialized; neither side may assume shared memory.
type Transport interface {
	Send(Message) error
	// Receive blocks for the next message. It returns io.EOF once the
	// transport has been terminated or the peer went away.
	Receive() (Message, error)
	// Terminate destroys the worker end. Safe to call more than once;
	// pending and future receives on both ends fail afterwards.
	Terminate() error
}

// Factory creates the transport for a fresh worker instance. The client
// invokes it lazily: on first use and again after every termination.
type Factory func(ctx context.Context) (Transport, error)

// pipeEnd is one side of an in-process transport. Messages are copied
// through their JSON encoding so the two ends never share payload memory,
// matching what a process boundary would do.
type pipeEnd struct {
	out  chan []byte
	in   chan []byte
	done chan struct{}
	once *sync.Once
}

// NewPipe returns a connected client/runtime transport pair backed by
// channels.
func NewPipe() (clientEnd, runtimeEnd Transport) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{out: a, in: b, done: done, once: once},
		&pipeEnd{out: b, in: a, done: done, once: once}
}

func (p *pipeEnd) Send(msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	select {
	case p.out <- raw:
		return nil
	case <-p.done:
		return ErrTerminated
	}
}

func (p *pipeEnd) Receive() (Message, error) {
	select {
	case raw := <-p.in:
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return Message{}, fmt.Errorf("decode message: %w", err)
		}
		return msg, nil
	case <-p.done:
		return Message{}, io.EOF
	}
}

func (p *pipeEnd) Terminate() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// PipeFactory spawns an in-process runtime per worker on its own goroutine.
// Termination closes the pipe; the runtime's serve loop exits and the
// abandoned sandbox goroutine, if any, is left to drain into nowhere.
func PipeFactory(log *slog.Logger, providers map[string]ProviderFunc) Factory {
	return func(ctx context.Context) (Transport, error) {
		clientEnd, runtimeEnd := NewPipe()
		rt := NewRuntime(log)
		for name, fn := range providers {
			rt.RegisterProvider(name, fn)
		}
		go func() {
			if err := rt.Serve(runtimeEnd); err != nil {
				log.Error("worker runtime exited", "error", err)
			}
		}()
		return clientEnd, nil
	}
}
