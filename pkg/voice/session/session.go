// Package session implements one user's voice conversation: its status
// machine, the live agent connection and the outbound event queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reframe-ai/reframe-voice/pkg/voice"
	"github.com/reframe-ai/reframe-voice/pkg/voice/agent"
	"github.com/reframe-ai/reframe-voice/pkg/voice/events"
	"github.com/reframe-ai/reframe-voice/pkg/voice/journal"
)

type Status string

const (
	StatusCreated Status = "created"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

type Action string

const (
	ActionEndTurn    Action = "end_turn"
	ActionCancel     Action = "cancel"
	ActionEndSession Action = "end_session"
)

// ParseAction validates a client supplied control action.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionEndTurn, ActionCancel, ActionEndSession:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", voice.ErrInvalidAction, s)
	}
}

type EndReason string

const (
	ReasonDeleted       EndReason = "deleted"
	ReasonEndSession    EndReason = "end_session"
	ReasonDisconnected  EndReason = "client_disconnected"
	ReasonGatewayError  EndReason = "gateway_error"
	ReasonGatewayClosed EndReason = "gateway_closed"
	ReasonQueueOverflow EndReason = "queue_overflow"
	ReasonIdle          EndReason = "idle_timeout"
	ReasonMaxDuration   EndReason = "max_duration"
	ReasonShutdown      EndReason = "shutdown"
)

const journalTimeout = 2 * time.Second

type Config struct {
	QueueSize       int
	InputSampleRate int

	AudioChunksPerSecond int
	AudioBytesPerSecond  int64
	AudioBurstSeconds    int
}

type Options struct {
	ID       string
	Language string
	Config   Config
	Journal  journal.Journal
	Logger   *slog.Logger
	// OnEnd runs once, after the session has ended and its connection is closed.
	OnEnd func(s *Session, reason EndReason)
	Now   func() time.Time
}

type Session struct {
	id        string
	language  string
	createdAt time.Time
	cfg       Config
	journal   journal.Journal
	logger    *slog.Logger
	onEnd     func(*Session, EndReason)
	now       func() time.Time

	queue    *queue
	done     chan struct{}
	loopDone chan struct{}

	mu           sync.Mutex
	status       Status
	reason       EndReason
	conn         agent.Conn
	suppressing  bool
	subscribed   bool
	lastActivity time.Time
	limiter      *audioLimiter
}

func New(opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	j := opts.Journal
	if j == nil {
		j = journal.Nop{}
	}
	cfg := opts.Config
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = agent.DefaultInputSampleRate
	}
	created := now()
	return &Session{
		id:           opts.ID,
		language:     opts.Language,
		createdAt:    created,
		cfg:          cfg,
		journal:      j,
		logger:       logger.With("session_id", opts.ID),
		onEnd:        opts.OnEnd,
		now:          now,
		queue:        newQueue(cfg.QueueSize),
		done:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		status:       StatusCreated,
		lastActivity: created,
		limiter:      newAudioLimiter(now, cfg.AudioChunksPerSecond, cfg.AudioBytesPerSecond, cfg.AudioBurstSeconds),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Language() string     { return s.language }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// LoopDone is closed once the adapter loop has exited. It is never closed
// for a session that was not attached.
func (s *Session) LoopDone() <-chan struct{} { return s.loopDone }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Snapshot is a point-in-time view for status endpoints.
type Snapshot struct {
	ID           string
	Language     string
	Status       Status
	CreatedAt    time.Time
	LastActivity time.Time
	Subscribed   bool
	Queued       int
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:           s.id,
		Language:     s.language,
		Status:       s.status,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Subscribed:   s.subscribed,
	}
	s.mu.Unlock()
	snap.Queued = s.queue.len()
	return snap
}

// Attach hands the session its agent connection and moves it to active.
// The session owns conn from here on, including on error.
func (s *Session) Attach(conn agent.Conn) error {
	if conn == nil {
		return errors.New("session: nil agent connection")
	}
	s.mu.Lock()
	if s.status != StatusCreated {
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: cannot attach in status %s", voice.ErrSessionNotActive, s.status)
	}
	s.conn = conn
	s.status = StatusActive
	s.lastActivity = s.now()
	s.mu.Unlock()

	s.logger.Info("session active", "language", s.language)
	s.record(func(ctx context.Context) error {
		return s.journal.SessionStarted(ctx, journal.SessionRecord{ID: s.id, Language: s.language, StartedAt: s.createdAt})
	})
	go s.pump(conn)
	return nil
}

// activeConn returns the connection if the session is active and marks activity.
func (s *Session) activeConn() (agent.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return nil, fmt.Errorf("%w: status %s", voice.ErrSessionNotActive, s.status)
	}
	s.lastActivity = s.now()
	return s.conn, nil
}

func (s *Session) SendAudio(ctx context.Context, pcm []byte, sampleRate int) error {
	s.mu.Lock()
	if s.status != StatusActive {
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: status %s", voice.ErrSessionNotActive, st)
	}
	if !s.limiter.allow(len(pcm)) {
		s.mu.Unlock()
		return voice.ErrAudioRateLimited
	}
	s.lastActivity = s.now()
	conn := s.conn
	s.mu.Unlock()

	if sampleRate <= 0 {
		sampleRate = s.cfg.InputSampleRate
	}
	if err := conn.SendAudio(ctx, pcm, sampleRate); err != nil {
		return s.forwardErr("forward audio", err)
	}
	return nil
}

func (s *Session) SendText(ctx context.Context, text string) error {
	conn, err := s.activeConn()
	if err != nil {
		return err
	}
	s.beginUserTurn()
	if err := conn.SendText(ctx, text); err != nil {
		return s.forwardErr("forward text", err)
	}
	s.record(func(ctx context.Context) error {
		return s.journal.AppendTranscript(ctx, journal.Entry{SessionID: s.id, Role: events.RoleUser, Text: text, At: s.now()})
	})
	return nil
}

// SendControl applies a control action. end_session is accepted in any status.
func (s *Session) SendControl(ctx context.Context, action Action) error {
	switch action {
	case ActionEndSession:
		s.End(ReasonEndSession)
		return nil
	case ActionEndTurn:
		conn, err := s.activeConn()
		if err != nil {
			return err
		}
		s.beginUserTurn()
		if err := conn.EndTurn(ctx); err != nil {
			return s.forwardErr("end turn", err)
		}
		return nil
	case ActionCancel:
		conn, err := s.activeConn()
		if err != nil {
			return err
		}
		if err := s.interrupt(); err != nil {
			return err
		}
		if err := conn.CancelTurn(ctx); err != nil {
			return s.forwardErr("cancel turn", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", voice.ErrInvalidAction, action)
	}
}

// interrupt announces the cancelled turn and starts dropping its output.
func (s *Session) interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return fmt.Errorf("%w: status %s", voice.ErrSessionNotActive, s.status)
	}
	s.suppressing = true
	if err := s.queue.push(events.TurnComplete{Interrupted: true}); err != nil {
		return err
	}
	return nil
}

// beginUserTurn ends suppression of a cancelled turn: output from here on
// answers the new turn.
func (s *Session) beginUserTurn() {
	s.mu.Lock()
	s.suppressing = false
	s.mu.Unlock()
}

func (s *Session) forwardErr(op string, err error) error {
	s.logger.Warn("agent forward failed", "op", op, "error", err)
	return fmt.Errorf("%s: %w: %w", op, voice.ErrGatewayUnavailable, err)
}

// Subscription is the single consumer claim on a session's outbound queue.
type Subscription struct {
	s    *Session
	once sync.Once
}

// Subscribe claims the outbound queue. Only one subscription may be open at a time.
func (s *Session) Subscribe() (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusEnded {
		return nil, fmt.Errorf("%w: status %s", voice.ErrSessionNotActive, s.status)
	}
	if s.subscribed {
		return nil, voice.ErrAlreadySubscribed
	}
	s.subscribed = true
	return &Subscription{s: s}, nil
}

func (sub *Subscription) SessionID() string { return sub.s.id }

// Next returns the oldest queued event. ok is false when nothing is queued;
// ended is true once the session has ended and the queue is drained.
func (sub *Subscription) Next() (ev events.Event, ok, ended bool) {
	return sub.s.queue.pop()
}

// Ready receives a value whenever the queue may have changed.
func (sub *Subscription) Ready() <-chan struct{} { return sub.s.queue.ready }

// Close releases the claim.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.s.mu.Lock()
		sub.s.subscribed = false
		sub.s.mu.Unlock()
	})
}

// pump copies agent events into the outbound queue in receipt order.
func (s *Session) pump(conn agent.Conn) {
	defer close(s.loopDone)
	for ev := range conn.Events() {
		if e, ok := ev.(events.Error); ok {
			s.fail(ReasonGatewayError, e)
			return
		}
		if err := s.deliver(ev); err != nil {
			if errors.Is(err, voice.ErrQueueOverflow) {
				s.logger.Error("outbound queue overflow", "limit", s.queue.limit)
				s.fail(ReasonQueueOverflow, events.Error{Message: voice.ErrQueueOverflow.Error()})
			}
			return
		}
	}
	if err := conn.Err(); err != nil {
		s.logger.Error("agent connection failed", "error", err)
		s.fail(ReasonGatewayError, events.Error{Message: fmt.Sprintf("%s: %v", voice.ErrGatewayUnavailable, err)})
		return
	}
	if s.endWith(ReasonGatewayClosed, nil, false) {
		s.logger.Info("agent closed the connection")
	}
}

func (s *Session) deliver(ev events.Event) error {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return voice.ErrSessionNotActive
	}
	if s.suppressing {
		switch e := ev.(type) {
		case events.Audio:
			s.mu.Unlock()
			return nil
		case events.Transcript:
			if e.Role != events.RoleUser {
				s.mu.Unlock()
				return nil
			}
		case events.TurnComplete:
			// The gateway's close of the cancelled turn; already announced.
			s.suppressing = false
			s.mu.Unlock()
			return nil
		}
	}
	s.lastActivity = s.now()
	err := s.queue.push(ev)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if tr, ok := ev.(events.Transcript); ok && tr.Final && tr.Text != "" {
		role := tr.Role
		if role == "" {
			role = events.RoleAgent
		}
		s.record(func(ctx context.Context) error {
			return s.journal.AppendTranscript(ctx, journal.Entry{SessionID: s.id, Role: role, Text: tr.Text, At: s.now()})
		})
	}
	return nil
}

func (s *Session) fail(reason EndReason, final events.Error) {
	if s.endWith(reason, final, false) {
		s.logger.Error("session failed", "reason", reason, "error", final.Message)
	}
}

// End ends the session, clearing anything still queued. It reports whether
// this call performed the transition.
func (s *Session) End(reason EndReason) bool {
	return s.endWith(reason, nil, true)
}

func (s *Session) endWith(reason EndReason, final events.Event, clear bool) bool {
	s.mu.Lock()
	if s.status == StatusEnded {
		s.mu.Unlock()
		return false
	}
	s.status = StatusEnded
	s.reason = reason
	conn := s.conn
	if clear {
		s.queue.clear()
	} else {
		s.queue.closeWith(final)
	}
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Warn("close agent connection", "error", err)
		}
	}
	s.logger.Info("session ended", "reason", reason)
	s.record(func(ctx context.Context) error {
		return s.journal.SessionEnded(ctx, s.id, string(reason), s.now())
	})
	if s.onEnd != nil {
		s.onEnd(s, reason)
	}
	return true
}

func (s *Session) record(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Warn("journal write failed", "error", err)
	}
}
