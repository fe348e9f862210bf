// Package gemini connects voice sessions to the Gemini Live API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"

	"github.com/reframe-ai/reframe-voice/pkg/voice/agent"
	"github.com/reframe-ai/reframe-voice/pkg/voice/events"
)

const (
	DefaultModel = "gemini-live-2.5-flash-preview"

	// Gemini Live speaks 24kHz PCM unless the mime type says otherwise.
	nativeOutputSampleRate = 24000
	eventBuffer            = 256
)

var tracer = otel.Tracer("github.com/reframe-ai/reframe-voice/pkg/voice/agent/gemini")

type Config struct {
	APIKey     string
	Model      string
	Voice      string
	HTTPClient *http.Client
}

// liveSession is the subset of *genai.Session the adapter uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveClientContentInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type dialFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

type Gateway struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gateway{
		cfg:    cfg,
		logger: logger,
		dial: func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (liveSession, error) {
			return client.Live.Connect(ctx, model, lc)
		},
	}, nil
}

func (g *Gateway) Connect(ctx context.Context, opts agent.ConnectOptions) (agent.Conn, error) {
	ctx, span := tracer.Start(ctx, "gemini live connect")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", opts.SessionID),
		attribute.String("session.language", opts.Language),
		attribute.String("gemini.model", g.cfg.Model),
	)

	sess, err := g.dial(ctx, g.cfg.Model, g.liveConfig(opts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("gemini live connect: %w", err)
	}
	return newConn(sess, opts, g.logger), nil
}

func (g *Gateway) liveConfig(opts agent.ConnectOptions) *genai.LiveConnectConfig {
	speech := &genai.SpeechConfig{LanguageCode: opts.Language}
	if voice := strings.TrimSpace(g.cfg.Voice); voice != "" {
		speech.VoiceConfig = &genai.VoiceConfig{
			PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
		}
	}
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		SpeechConfig:             speech,
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		// Turn boundaries come from the client's end_turn control, not server VAD.
		RealtimeInputConfig: &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{Disabled: true},
			ActivityHandling:           genai.ActivityHandlingStartOfActivityInterrupts,
		},
	}
	if instr := strings.TrimSpace(opts.SystemInstruction); instr != "" {
		lc.SystemInstruction = genai.NewContentFromText(instr, genai.RoleUser)
	}
	return lc
}

type conn struct {
	sess      liveSession
	sessionID string
	inputRate  int
	outputRate int
	logger     *slog.Logger

	// resample is only touched by readLoop.
	resample *resampler

	writeMu      sync.Mutex
	activityOpen bool

	events    chan events.Event
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

func newConn(sess liveSession, opts agent.ConnectOptions, logger *slog.Logger) *conn {
	rate := opts.InputSampleRate
	if rate <= 0 {
		rate = agent.DefaultInputSampleRate
	}
	out := opts.OutputSampleRate
	if out <= 0 {
		out = agent.DefaultOutputSampleRate
	}
	c := &conn{
		sess:       sess,
		sessionID:  opts.SessionID,
		inputRate:  rate,
		outputRate: out,
		logger:     logger,
		events:     make(chan events.Event, eventBuffer),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *conn) SendAudio(ctx context.Context, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = c.inputRate
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.openActivityLocked(); err != nil {
		return err
	}
	return c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: agent.PCMMIMEType(sampleRate)},
	})
}

func (c *conn) SendText(ctx context.Context, text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sess.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	})
}

func (c *conn) EndTurn(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.activityOpen {
		return nil
	}
	c.activityOpen = false
	return c.sess.SendRealtimeInput(genai.LiveRealtimeInput{ActivityEnd: &genai.ActivityEnd{}})
}

// CancelTurn starts a new user activity; with START_OF_ACTIVITY_INTERRUPTS
// the model abandons its current generation.
func (c *conn) CancelTurn(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.activityOpen {
		return nil
	}
	return c.openActivityLocked()
}

func (c *conn) openActivityLocked() error {
	if c.activityOpen {
		return nil
	}
	if err := c.sess.SendRealtimeInput(genai.LiveRealtimeInput{ActivityStart: &genai.ActivityStart{}}); err != nil {
		return err
	}
	c.activityOpen = true
	return nil
}

func (c *conn) Events() <-chan events.Event { return c.events }

func (c *conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.done)
		err = c.sess.Close()
	})
	return err
}

func (c *conn) readLoop() {
	defer close(c.events)
	for {
		msg, err := c.sess.Receive()
		if err != nil {
			if !c.closing.Load() {
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
			}
			return
		}
		if msg.GoAway != nil {
			c.logger.Warn("gemini live go away", "session_id", c.sessionID, "time_left", msg.GoAway.TimeLeft)
		}
		for _, ev := range translate(msg) {
			if a, ok := ev.(events.Audio); ok {
				if ev, ok = c.convert(a); !ok {
					continue
				}
			}
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
	}
}

// convert resamples model audio to the rate the client asked for. A chunk
// too short to yield a sample is held back and reported as not ok.
func (c *conn) convert(a events.Audio) (events.Event, bool) {
	if c.resample == nil || c.resample.from != a.SampleRate {
		c.resample = newResampler(a.SampleRate, c.outputRate)
	}
	data := c.resample.process(a.Data)
	if len(data) == 0 {
		return nil, false
	}
	return events.Audio{Data: data, SampleRate: c.outputRate}, true
}

// translate maps one server message onto zero or more session events.
func translate(msg *genai.LiveServerMessage) []events.Event {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	sc := msg.ServerContent
	var out []events.Event
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		out = append(out, events.Transcript{Text: t.Text, Final: t.Finished, Role: events.RoleUser})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.Thought {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 && strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				out = append(out, events.Audio{Data: part.InlineData.Data, SampleRate: sampleRateFromMIME(part.InlineData.MIMEType)})
			}
		}
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		out = append(out, events.Transcript{Text: t.Text, Final: t.Finished, Role: events.RoleAgent})
	}
	if sc.Interrupted {
		out = append(out, events.TurnComplete{Interrupted: true})
	} else if sc.TurnComplete {
		out = append(out, events.TurnComplete{})
	}
	return out
}

func sampleRateFromMIME(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return nativeOutputSampleRate
}
