// Package agent is the boundary to the conversational model. Adapters turn
// whatever the model speaks into the closed event set of package events.
package agent

import (
	"context"
	"strconv"

	"github.com/reframe-ai/reframe-voice/pkg/voice/events"
)

const (
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 48000
)

type ConnectOptions struct {
	SessionID         string
	Language          string
	SystemInstruction string
	InputSampleRate   int
	OutputSampleRate  int
}

// Gateway opens one live connection per session.
type Gateway interface {
	Connect(ctx context.Context, opts ConnectOptions) (Conn, error)
}

// Conn is a live connection to the agent for a single session.
//
// Events delivers agent output in order and is closed when the connection
// ends. Err reports why it ended; nil means a clean close.
type Conn interface {
	SendAudio(ctx context.Context, pcm []byte, sampleRate int) error
	SendText(ctx context.Context, text string) error
	EndTurn(ctx context.Context) error
	CancelTurn(ctx context.Context) error
	Events() <-chan events.Event
	Err() error
	Close() error
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, opts ConnectOptions) (Conn, error)

func (f GatewayFunc) Connect(ctx context.Context, opts ConnectOptions) (Conn, error) {
	return f(ctx, opts)
}

// PCMMIMEType is the mime type for 16-bit little endian PCM at rate Hz.
func PCMMIMEType(rate int) string {
	if rate <= 0 {
		rate = DefaultInputSampleRate
	}
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}
