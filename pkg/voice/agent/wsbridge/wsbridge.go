// Package wsbridge connects voice sessions to an agent service that speaks the
// session event protocol over a websocket.
package wsbridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reframe-ai/reframe-voice/pkg/voice/agent"
	"github.com/reframe-ai/reframe-voice/pkg/voice/events"
)

var errClosed = errors.New("agent connection closed")

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 20 * time.Second
	eventBuffer         = 256
)

type Config struct {
	URL          string
	Token        string
	WriteTimeout time.Duration
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

type Gateway struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Gateway, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse agent url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("agent url must use ws or wss, got %q", u.Scheme)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.URL = u.String()
	return &Gateway{cfg: cfg, logger: logger}, nil
}

type startMessage struct {
	Type              string `json:"type"`
	SessionID         string `json:"session_id"`
	Language          string `json:"language"`
	SystemInstruction string `json:"system_instruction,omitempty"`
	InputSampleRate   int    `json:"input_sample_rate"`
	OutputSampleRate  int    `json:"output_sample_rate"`
}

type audioMessage struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	SampleRate int    `json:"sample_rate"`
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type controlMessage struct {
	Type string `json:"type"`
}

func (g *Gateway) Connect(ctx context.Context, opts agent.ConnectOptions) (agent.Conn, error) {
	header := http.Header{}
	if tok := strings.TrimSpace(g.cfg.Token); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	ws, _, err := g.cfg.Dialer.DialContext(ctx, g.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}

	in := opts.InputSampleRate
	if in <= 0 {
		in = agent.DefaultInputSampleRate
	}
	out := opts.OutputSampleRate
	if out <= 0 {
		out = agent.DefaultOutputSampleRate
	}

	c := &conn{
		ws:           ws,
		sessionID:    opts.SessionID,
		inputRate:    in,
		writeTimeout: g.cfg.WriteTimeout,
		logger:       g.logger,
		events:       make(chan events.Event, eventBuffer),
		closed:       make(chan struct{}),
	}
	if err := c.writeJSON(ctx, startMessage{
		Type:              "start",
		SessionID:         opts.SessionID,
		Language:          opts.Language,
		SystemInstruction: opts.SystemInstruction,
		InputSampleRate:   in,
		OutputSampleRate:  out,
	}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send start: %w", err)
	}

	go c.readLoop()
	go c.keepAliveLoop(g.cfg.PingInterval)
	return c, nil
}

type conn struct {
	ws           *websocket.Conn
	sessionID    string
	inputRate    int
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu sync.Mutex

	events    chan events.Event
	closed    chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (c *conn) SendAudio(ctx context.Context, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = c.inputRate
	}
	return c.writeJSON(ctx, audioMessage{
		Type:       "audio",
		Data:       base64.StdEncoding.EncodeToString(pcm),
		SampleRate: sampleRate,
	})
}

func (c *conn) SendText(ctx context.Context, text string) error {
	return c.writeJSON(ctx, textMessage{Type: "text", Text: text})
}

func (c *conn) EndTurn(ctx context.Context) error {
	return c.writeJSON(ctx, controlMessage{Type: "end_turn"})
}

func (c *conn) CancelTurn(ctx context.Context) error {
	return c.writeJSON(ctx, controlMessage{Type: "cancel"})
}

func (c *conn) Events() <-chan events.Event { return c.events }

func (c *conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *conn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return
			}
			c.setErr(err)
			return
		}

		ev, err := events.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed agent frame", "session_id", c.sessionID, "error", err)
			continue
		}

		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *conn) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) writeJSON(ctx context.Context, payload any) error {
	if c.isClosed() {
		return errClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(payload)
}
