// Package echo is a local agent backend that repeats the user's turn back.
// It needs no credentials and is the default for development.
package echo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/reframe-ai/reframe-voice/pkg/voice/agent"
	"github.com/reframe-ai/reframe-voice/pkg/voice/events"
)

var (
	errClosed   = errors.New("echo: connection closed")
	errOverflow = errors.New("echo: event buffer full, reader fell behind")
)

type Gateway struct{}

func (Gateway) Connect(ctx context.Context, opts agent.ConnectOptions) (agent.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := opts.OutputSampleRate
	if out <= 0 {
		out = agent.DefaultOutputSampleRate
	}
	return &conn{outputRate: out, events: make(chan events.Event, 64)}, nil
}

type conn struct {
	outputRate int

	mu      sync.Mutex
	pending []byte
	closed  bool
	err     error
	events  chan events.Event
}

func (c *conn) SendAudio(ctx context.Context, pcm []byte, sampleRate int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	c.pending = append(c.pending, pcm...)
	return nil
}

func (c *conn) SendText(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	c.emitLocked(events.Transcript{Text: text, Final: true, Role: events.RoleAgent})
	c.emitLocked(events.TurnComplete{})
	return nil
}

func (c *conn) EndTurn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	audio := c.pending
	c.pending = nil
	c.emitLocked(events.Transcript{Text: fmt.Sprintf("received %d bytes of audio", len(audio)), Final: true, Role: events.RoleAgent})
	if len(audio) > 0 {
		c.emitLocked(events.Audio{Data: audio, SampleRate: c.outputRate})
	}
	c.emitLocked(events.TurnComplete{})
	return nil
}

func (c *conn) CancelTurn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	c.pending = nil
	return nil
}

func (c *conn) Events() <-chan events.Event { return c.events }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// emitLocked fails the connection when the reader has fallen a full buffer
// behind, so the session ends with an error instead of losing output.
func (c *conn) emitLocked(ev events.Event) {
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.err = errOverflow
		c.closed = true
		close(c.events)
	}
}
