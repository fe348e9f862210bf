// Package registry owns the process-wide set of live voice sessions.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"

	"github.com/reframe-ai/reframe-voice/pkg/voice"
	"github.com/reframe-ai/reframe-voice/pkg/voice/agent"
	"github.com/reframe-ai/reframe-voice/pkg/voice/journal"
	"github.com/reframe-ai/reframe-voice/pkg/voice/session"
)

var tracer = otel.Tracer("github.com/reframe-ai/reframe-voice/pkg/voice/registry")

const (
	DefaultLanguage       = "en-US"
	DefaultConnectTimeout = 10 * time.Second
	DefaultReapInterval   = 30 * time.Second
)

// Observer receives session lifecycle counts. Implementations must be safe
// for concurrent use.
type Observer interface {
	SessionStarted()
	SessionEnded(reason string, lifetime time.Duration)
	GatewayConnectFailed()
}

type nopObserver struct{}

func (nopObserver) SessionStarted()                    {}
func (nopObserver) SessionEnded(string, time.Duration) {}
func (nopObserver) GatewayConnectFailed()              {}

type Config struct {
	Session           session.Config
	DefaultLanguage   string
	SystemInstruction string
	OutputSampleRate  int
	ConnectTimeout    time.Duration

	// MaxSessions caps live plus connecting sessions. Zero means no cap.
	MaxSessions int
	// IdleTimeout and MaxSessionDuration are enforced by Run. Zero disables each.
	IdleTimeout        time.Duration
	MaxSessionDuration time.Duration
	ReapInterval       time.Duration
}

type Options struct {
	Gateway  agent.Gateway
	Config   Config
	Journal  journal.Journal
	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
	NewID    func() string
}

type Registry struct {
	gateway  agent.Gateway
	cfg      Config
	journal  journal.Journal
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	newID    func() string

	mu       sync.Mutex
	sessions map[string]*session.Session
	pending  int
	closed   bool
	wg       sync.WaitGroup
}

func New(opts Options) *Registry {
	cfg := opts.Config
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = DefaultLanguage
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	r := &Registry{
		gateway:  opts.Gateway,
		cfg:      cfg,
		journal:  opts.Journal,
		logger:   opts.Logger,
		observer: opts.Observer,
		now:      opts.Now,
		newID:    opts.NewID,
		sessions: make(map[string]*session.Session),
	}
	if r.journal == nil {
		r.journal = journal.Nop{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.observer == nil {
		r.observer = nopObserver{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

// NormalizeLanguage canonicalizes a BCP-47 tag, accepting "_" separators and
// any letter case. Empty input yields fallback.
func NormalizeLanguage(raw, fallback string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = fallback
	}
	tag, err := language.Parse(strings.ReplaceAll(raw, "_", "-"))
	if err != nil {
		return "", fmt.Errorf("%w: %q", voice.ErrInvalidLanguage, raw)
	}
	return tag.String(), nil
}

type CreateOptions struct {
	Language string
}

// Create connects a new session to the agent gateway and registers it once
// it is active. On failure nothing is registered.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*session.Session, error) {
	lang, err := NormalizeLanguage(opts.Language, r.cfg.DefaultLanguage)
	if err != nil {
		return nil, err
	}
	if err := r.reserve(); err != nil {
		return nil, err
	}
	defer r.release()

	id := r.newID()
	ctx, span := tracer.Start(ctx, "registry.Create", trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.String("session.language", lang),
	))
	defer span.End()

	sess := session.New(session.Options{
		ID:       id,
		Language: lang,
		Config:   r.cfg.Session,
		Journal:  r.journal,
		Logger:   r.logger,
		OnEnd:    r.sessionEnded,
		Now:      r.now,
	})

	cctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	conn, err := r.gateway.Connect(cctx, agent.ConnectOptions{
		SessionID:         id,
		Language:          lang,
		SystemInstruction: r.cfg.SystemInstruction,
		InputSampleRate:   r.cfg.Session.InputSampleRate,
		OutputSampleRate:  r.cfg.OutputSampleRate,
	})
	if err != nil {
		sess.End(session.ReasonGatewayError)
		r.observer.GatewayConnectFailed()
		r.logger.Error("agent gateway connect failed", "session_id", id, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway connect failed")
		return nil, fmt.Errorf("%w: %w", voice.ErrGatewayUnavailable, err)
	}
	if err := sess.Attach(conn); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "attach failed")
		return nil, fmt.Errorf("%w: %w", voice.ErrGatewayUnavailable, err)
	}

	r.mu.Lock()
	if sess.Status() == session.StatusEnded || r.closed {
		r.mu.Unlock()
		sess.End(session.ReasonShutdown)
		err := fmt.Errorf("%w: session ended during setup", voice.ErrGatewayUnavailable)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.sessions[id] = sess
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		<-sess.LoopDone()
		r.wg.Done()
	}()

	r.observer.SessionStarted()
	r.logger.Info("session created", "session_id", id, "language", lang)
	return sess, nil
}

func (r *Registry) reserve() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return voice.ErrShuttingDown
	}
	if r.cfg.MaxSessions > 0 && len(r.sessions)+r.pending >= r.cfg.MaxSessions {
		return voice.ErrTooManySessions
	}
	r.pending++
	return nil
}

func (r *Registry) release() {
	r.mu.Lock()
	r.pending--
	r.mu.Unlock()
}

// sessionEnded is every session's end hook; it is the only place entries leave the map.
func (r *Registry) sessionEnded(s *session.Session, reason session.EndReason) {
	r.mu.Lock()
	registered := r.sessions[s.ID()] == s
	if registered {
		delete(r.sessions, s.ID())
	}
	r.mu.Unlock()
	if registered {
		r.observer.SessionEnded(string(reason), r.now().Sub(s.CreatedAt()))
	}
}

func (r *Registry) Get(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove ends and evicts a session. It is idempotent and reports whether
// id was registered.
func (r *Registry) Remove(id string) bool {
	return r.End(id, session.ReasonDeleted)
}

// End is Remove with an explicit reason.
func (r *Registry) End(id string, reason session.EndReason) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.End(reason)
	return true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Run reaps idle and over-age sessions until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.cfg.IdleTimeout <= 0 && r.cfg.MaxSessionDuration <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Reap(); n > 0 {
				r.logger.Info("reaped sessions", "count", n)
			}
		}
	}
}

// Reap ends sessions past their idle or lifetime limit and returns how many it ended.
func (r *Registry) Reap() int {
	now := r.now()
	reaped := 0
	for _, s := range r.snapshot() {
		var reason session.EndReason
		switch {
		case r.cfg.MaxSessionDuration > 0 && now.Sub(s.CreatedAt()) >= r.cfg.MaxSessionDuration:
			reason = session.ReasonMaxDuration
		case r.cfg.IdleTimeout > 0 && now.Sub(s.LastActivity()) >= r.cfg.IdleTimeout:
			reason = session.ReasonIdle
		default:
			continue
		}
		if s.End(reason) {
			reaped++
		}
	}
	return reaped
}

// CloseAll stops accepting sessions and ends every live one.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	ended := 0
	for _, s := range r.snapshot() {
		if s.End(session.ReasonShutdown) {
			ended++
		}
	}
	return ended
}

// Wait blocks until every registered session's adapter loop has exited or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
