// Package stream renders a session's outbound queue as one ordered client
// stream with keep-alive heartbeats.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/reframe-ai/reframe-voice/pkg/voice"
	"github.com/reframe-ai/reframe-voice/pkg/voice/events"
)

const DefaultHeartbeatInterval = 15 * time.Second

// Source is a claimed session queue; see session.Subscription.
type Source interface {
	SessionID() string
	Next() (ev events.Event, ok, ended bool)
	Ready() <-chan struct{}
}

// Sink writes complete frames to the client.
type Sink interface {
	Send(ev events.Event) error
	Heartbeat() error
}

type Observer interface {
	FrameSent(t events.Type)
	HeartbeatSent()
}

type Multiplexer struct {
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	Observer          Observer
}

// Run streams src to sink until the session ends, an error event is
// delivered, the sink fails or ctx is done.
//
// It returns nil when the stream finished on its own (session_ended marker or
// error event), ctx.Err() when the client went away, and an error wrapping
// voice.ErrTransportFailure when a write failed.
func (m *Multiplexer) Run(ctx context.Context, src Source, sink Sink) error {
	interval := m.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", src.SessionID())

	if err := m.send(sink, events.TurnComplete{Marker: events.MarkerConnected}); err != nil {
		logger.Warn("stream write failed", "error", err)
		return err
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	heartbeatDue := false

	for {
		ev, ok, ended := src.Next()
		switch {
		case ok:
			if err := m.send(sink, ev); err != nil {
				logger.Warn("stream write failed", "type", ev.EventType(), "error", err)
				return err
			}
			if e, isErr := ev.(events.Error); isErr {
				logger.Info("stream closed after error event", "error", e.Message)
				return nil
			}
			heartbeatDue = false
			timer.Reset(interval)
			continue
		case ended:
			if err := m.send(sink, events.TurnComplete{Marker: events.MarkerSessionEnded}); err != nil {
				logger.Warn("stream write failed", "error", err)
				return err
			}
			return nil
		case heartbeatDue:
			if err := sink.Heartbeat(); err != nil {
				err = fmt.Errorf("%w: %w", voice.ErrTransportFailure, err)
				logger.Warn("heartbeat write failed", "error", err)
				return err
			}
			if m.Observer != nil {
				m.Observer.HeartbeatSent()
			}
			heartbeatDue = false
			timer.Reset(interval)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-src.Ready():
		case <-timer.C:
			// Re-check the queue first so a real event that raced the timer wins.
			heartbeatDue = true
		}
	}
}

func (m *Multiplexer) send(sink Sink, ev events.Event) error {
	if err := sink.Send(ev); err != nil {
		return fmt.Errorf("%w: %w", voice.ErrTransportFailure, err)
	}
	if m.Observer != nil {
		m.Observer.FrameSent(ev.EventType())
	}
	return nil
}
