// Package agenttest provides a scriptable in-memory agent gateway for tests.
package agenttest

import (
	"context"
	"errors"
	"sync"

	"github.com/reframe-ai/reframe-voice/pkg/voice/agent"
	"github.com/reframe-ai/reframe-voice/pkg/voice/events"
)

var ErrClosed = errors.New("agenttest: connection closed")

// Gateway records every connection it opens.
type Gateway struct {
	// ConnectErr, when set, is returned by every Connect call.
	ConnectErr error
	// OnEndTurn and OnCancel run synchronously inside the matching Conn call.
	OnEndTurn func(c *Conn)
	OnCancel  func(c *Conn)

	mu    sync.Mutex
	conns []*Conn
}

func NewGateway() *Gateway {
	return &Gateway{}
}

func (g *Gateway) Connect(ctx context.Context, opts agent.ConnectOptions) (agent.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.ConnectErr != nil {
		return nil, g.ConnectErr
	}
	c := &Conn{
		Opts:    opts,
		gateway: g,
		events:  make(chan events.Event, 1024),
	}
	g.mu.Lock()
	g.conns = append(g.conns, c)
	g.mu.Unlock()
	return c, nil
}

func (g *Gateway) Conns() []*Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Conn, len(g.conns))
	copy(out, g.conns)
	return out
}

// Last returns the most recent connection, or nil.
func (g *Gateway) Last() *Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.conns) == 0 {
		return nil
	}
	return g.conns[len(g.conns)-1]
}

type Conn struct {
	Opts agent.ConnectOptions

	gateway *Gateway

	mu           sync.Mutex
	audio        [][]byte
	rates        []int
	texts        []string
	endTurns     int
	cancels      int
	closeCalls   int
	eventsClosed bool
	err          error
	sendErr      error
	events       chan events.Event
}

func (c *Conn) SendAudio(ctx context.Context, pcm []byte, sampleRate int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsClosed {
		return ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	c.audio = append(c.audio, buf)
	c.rates = append(c.rates, sampleRate)
	return nil
}

func (c *Conn) SendText(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsClosed {
		return ErrClosed
	}
	c.texts = append(c.texts, text)
	return nil
}

func (c *Conn) EndTurn(ctx context.Context) error {
	c.mu.Lock()
	if c.eventsClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.endTurns++
	c.mu.Unlock()
	if c.gateway != nil && c.gateway.OnEndTurn != nil {
		c.gateway.OnEndTurn(c)
	}
	return nil
}

func (c *Conn) CancelTurn(ctx context.Context) error {
	c.mu.Lock()
	if c.eventsClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.cancels++
	c.mu.Unlock()
	if c.gateway != nil && c.gateway.OnCancel != nil {
		c.gateway.OnCancel(c)
	}
	return nil
}

func (c *Conn) Events() <-chan events.Event { return c.events }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	c.closeEventsLocked()
	return nil
}

// Emit queues ev for the session. It reports false once the connection is closed.
func (c *Conn) Emit(ev events.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsClosed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// FailSends makes every later send return err while events keep flowing.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Fail ends the connection with err, as if the upstream dropped.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsClosed {
		return
	}
	c.err = err
	c.closeEventsLocked()
}

func (c *Conn) closeEventsLocked() {
	if c.eventsClosed {
		return
	}
	c.eventsClosed = true
	close(c.events)
}

// Audio returns copies of every chunk sent so far.
func (c *Conn) Audio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.audio))
	copy(out, c.audio)
	return out
}

func (c *Conn) SampleRates() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.rates))
	copy(out, c.rates)
	return out
}

func (c *Conn) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.texts))
	copy(out, c.texts)
	return out
}

func (c *Conn) EndTurns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endTurns
}

func (c *Conn) Cancels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels
}

func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eventsClosed
}

var _ agent.Gateway = (*Gateway)(nil)
var _ agent.Conn = (*Conn)(nil)
