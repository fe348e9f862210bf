package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/reframe-ai/reframe-voice/pkg/voice"
	"github.com/reframe-ai/reframe-voice/pkg/voice/agent"
	"github.com/reframe-ai/reframe-voice/pkg/voice/agent/agenttest"
	"github.com/reframe-ai/reframe-voice/pkg/voice/events"
	"github.com/reframe-ai/reframe-voice/pkg/voice/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type countingObserver struct {
	mu      sync.Mutex
	started int
	ended   []string
	failed  int
}

func (o *countingObserver) SessionStarted() {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *countingObserver) SessionEnded(reason string, _ time.Duration) {
	o.mu.Lock()
	o.ended = append(o.ended, reason)
	o.mu.Unlock()
}

func (o *countingObserver) GatewayConnectFailed() {
	o.mu.Lock()
	o.failed++
	o.mu.Unlock()
}

func newRegistry(gw agent.Gateway, cfg Config, obs Observer) *Registry {
	return New(Options{Gateway: gw, Config: cfg, Logger: testLogger(), Observer: obs})
}

func TestCreate_ActiveAndRegistered(t *testing.T) {
	gw := agenttest.NewGateway()
	r := newRegistry(gw, Config{}, nil)

	s, err := r.Create(context.Background(), CreateOptions{Language: "en_us"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Remove(s.ID())

	if s.Status() != session.StatusActive {
		t.Fatalf("status=%s", s.Status())
	}
	if s.Language() != "en-US" {
		t.Fatalf("language=%q", s.Language())
	}
	got, ok := r.Get(s.ID())
	if !ok || got != s {
		t.Fatalf("Get(%q) not found", s.ID())
	}
	if gw.Last().Opts.SessionID != s.ID() || gw.Last().Opts.Language != "en-US" {
		t.Fatalf("connect opts=%+v", gw.Last().Opts)
	}
}

func TestCreate_DefaultAndInvalidLanguage(t *testing.T) {
	r := newRegistry(agenttest.NewGateway(), Config{DefaultLanguage: "de-DE"}, nil)

	s, err := r.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Remove(s.ID())
	if s.Language() != "de-DE" {
		t.Fatalf("language=%q", s.Language())
	}

	if _, err := r.Create(context.Background(), CreateOptions{Language: "not a tag!"}); !errors.Is(err, voice.ErrInvalidLanguage) {
		t.Fatalf("err=%v, want ErrInvalidLanguage", err)
	}
}

func TestCreate_GatewayFailureLeavesNothingRegistered(t *testing.T) {
	gw := agenttest.NewGateway()
	gw.ConnectErr = errors.New("dial tcp: connection refused")
	obs := &countingObserver{}
	r := newRegistry(gw, Config{}, obs)

	_, err := r.Create(context.Background(), CreateOptions{Language: "en-US"})
	if !errors.Is(err, voice.ErrGatewayUnavailable) {
		t.Fatalf("err=%v, want ErrGatewayUnavailable", err)
	}
	if r.Count() != 0 {
		t.Fatalf("count=%d after failed create", r.Count())
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.failed != 1 || obs.started != 0 || len(obs.ended) != 0 {
		t.Fatalf("observer=%+v", obs)
	}
}

func TestCreate_ConcurrentSessionsAreIsolated(t *testing.T) {
	gw := agenttest.NewGateway()
	r := newRegistry(gw, Config{}, nil)

	const n = 8
	var wg sync.WaitGroup
	sessions := make([]*session.Session, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = r.Create(context.Background(), CreateOptions{Language: "en-US"})
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, s := range sessions {
		if errs[i] != nil {
			t.Fatalf("create %d: %v", i, errs[i])
		}
		if seen[s.ID()] {
			t.Fatalf("duplicate id %q", s.ID())
		}
		seen[s.ID()] = true
		if got, ok := r.Get(s.ID()); !ok || got != s {
			t.Fatalf("session %q not reachable", s.ID())
		}
	}

	// Output of one connection only reaches its own session.
	conns := map[string]*agenttest.Conn{}
	for _, c := range gw.Conns() {
		conns[c.Opts.SessionID] = c
	}
	target := sessions[0]
	conns[target.ID()].Emit(events.Transcript{Text: "only mine", Role: events.RoleAgent})

	sub, err := target.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if ev, ok, _ := sub.Next(); ok {
			if ev.(events.Transcript).Text != "only mine" {
				t.Fatalf("event=%#v", ev)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event never arrived")
		}
		time.Sleep(time.Millisecond)
	}
	for _, s := range sessions[1:] {
		if q := s.Snapshot().Queued; q != 0 {
			t.Fatalf("session %s has %d foreign events", s.ID(), q)
		}
	}
	r.CloseAll()
}

func TestRemove_IsIdempotent(t *testing.T) {
	gw := agenttest.NewGateway()
	obs := &countingObserver{}
	r := newRegistry(gw, Config{}, obs)

	s, err := r.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !r.Remove(s.ID()) {
		t.Fatalf("first Remove should find the session")
	}
	if r.Remove(s.ID()) {
		t.Fatalf("second Remove should report absent")
	}
	if _, ok := r.Get(s.ID()); ok {
		t.Fatalf("session still registered")
	}
	if s.Status() != session.StatusEnded {
		t.Fatalf("status=%s", s.Status())
	}
	if calls := gw.Last().CloseCalls(); calls != 1 {
		t.Fatalf("connection closed %d times, want 1", calls)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.ended) != 1 || obs.ended[0] != string(session.ReasonDeleted) {
		t.Fatalf("ended=%v", obs.ended)
	}
}

func TestSessionEndEvictsItself(t *testing.T) {
	gw := agenttest.NewGateway()
	r := newRegistry(gw, Config{}, nil)
	s, _ := r.Create(context.Background(), CreateOptions{})

	if err := s.SendControl(context.Background(), session.ActionEndSession); err != nil {
		t.Fatalf("end_session: %v", err)
	}
	if _, ok := r.Get(s.ID()); ok {
		t.Fatalf("end_session should evict the session")
	}

	s2, _ := r.Create(context.Background(), CreateOptions{})
	gw.Last().Fail(errors.New("upstream gone"))
	<-s2.LoopDone()
	if _, ok := r.Get(s2.ID()); ok {
		t.Fatalf("failed session should be evicted")
	}
}

func TestCreate_MaxSessions(t *testing.T) {
	r := newRegistry(agenttest.NewGateway(), Config{MaxSessions: 1}, nil)
	s, err := r.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create(context.Background(), CreateOptions{}); !errors.Is(err, voice.ErrTooManySessions) {
		t.Fatalf("err=%v, want ErrTooManySessions", err)
	}
	r.Remove(s.ID())
	if _, err := r.Create(context.Background(), CreateOptions{}); err != nil {
		t.Fatalf("Create after remove: %v", err)
	}
	r.CloseAll()
}

func TestReap_IdleAndMaxDuration(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	r := New(Options{
		Gateway: agenttest.NewGateway(),
		Config:  Config{IdleTimeout: time.Minute, MaxSessionDuration: 10 * time.Minute},
		Logger:  testLogger(),
		Now:     clock,
	})
	idle, _ := r.Create(context.Background(), CreateOptions{})
	busy, _ := r.Create(context.Background(), CreateOptions{})

	advance(45 * time.Second)
	_ = busy.SendAudio(context.Background(), []byte{0}, 16000)
	advance(30 * time.Second)

	if n := r.Reap(); n != 1 {
		t.Fatalf("reaped=%d, want 1", n)
	}
	if idle.EndReason() != session.ReasonIdle {
		t.Fatalf("idle reason=%s", idle.EndReason())
	}
	if busy.Status() != session.StatusActive {
		t.Fatalf("busy session reaped")
	}

	for i := 0; i < 12; i++ {
		advance(50 * time.Second)
		_ = busy.SendAudio(context.Background(), []byte{0}, 16000)
	}
	r.Reap()
	if busy.EndReason() != session.ReasonMaxDuration {
		t.Fatalf("busy reason=%s", busy.EndReason())
	}
}

func TestCloseAllAndWait(t *testing.T) {
	r := newRegistry(agenttest.NewGateway(), Config{}, nil)
	for i := 0; i < 3; i++ {
		if _, err := r.Create(context.Background(), CreateOptions{}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if n := r.CloseAll(); n != 3 {
		t.Fatalf("closed=%d", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !r.Wait(ctx) {
		t.Fatalf("Wait timed out")
	}
	if r.Count() != 0 {
		t.Fatalf("count=%d", r.Count())
	}
	if _, err := r.Create(context.Background(), CreateOptions{}); !errors.Is(err, voice.ErrShuttingDown) {
		t.Fatalf("err=%v, want ErrShuttingDown", err)
	}
}

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"en-US", "en-US"},
		{"en_us", "en-US"},
		{" es-419 ", "es-419"},
		{"", "en-US"},
	}
	for _, tt := range tests {
		got, err := NormalizeLanguage(tt.in, DefaultLanguage)
		if err != nil {
			t.Fatalf("NormalizeLanguage(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("NormalizeLanguage(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}
