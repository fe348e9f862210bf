package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/reframe-ai/reframe-voice/pkg/gateway/config"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/lifecycle"
)

func readyConfig() config.Config {
	return config.Config{
		AuthMode:            config.AuthModeDisabled,
		AgentBackend:        config.AgentEcho,
		MaxBodyBytes:        1,
		ConnectTimeout:      time.Second,
		InputSampleRate:     16000,
		OutputSampleRate:    48000,
		OutboundQueueSize:   16,
		ReapInterval:        time.Second,
		MaxAudioChunkBytes:  1,
		AudioBurstSeconds:   1,
		HeartbeatInterval:   time.Second,
		ReadHeaderTimeout:   time.Second,
		ShutdownGracePeriod: time.Second,
		LogFormat:           "text",
	}
}

type fixedCount int

func (c fixedCount) Count() int { return int(c) }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type readyBody struct {
	OK             bool     `json:"ok"`
	Draining       bool     `json:"draining"`
	AgentBackend   string   `json:"agent_backend"`
	ActiveSessions int      `json:"active_sessions"`
	Issues         []string `json:"issues"`
}

func serveReady(t *testing.T, h ReadyHandler) (int, readyBody) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body readyBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rr.Body.String(), err)
	}
	return rr.Code, body
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	code, body := serveReady(t, ReadyHandler{Config: readyConfig(), Lifecycle: &lifecycle.Lifecycle{}, Sessions: fixedCount(3)})
	if code != http.StatusOK || !body.OK {
		t.Fatalf("code=%d body=%+v", code, body)
	}
	if body.ActiveSessions != 3 || body.AgentBackend != "echo" {
		t.Fatalf("body=%+v", body)
	}
}

func TestReadyHandler_RequiredAuthEmptyKeys_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.AuthMode = config.AuthModeRequired
	code, body := serveReady(t, ReadyHandler{Config: cfg})
	if code != http.StatusInternalServerError || body.OK || len(body.Issues) == 0 {
		t.Fatalf("code=%d body=%+v", code, body)
	}
}

func TestReadyHandler_Draining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	code, body := serveReady(t, ReadyHandler{Config: readyConfig(), Lifecycle: lc})
	if code != http.StatusServiceUnavailable || body.OK || !body.Draining {
		t.Fatalf("code=%d body=%+v", code, body)
	}
}

func TestReadyHandler_JournalDown(t *testing.T) {
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })
	code, body := serveReady(t, ReadyHandler{Config: readyConfig(), Journal: down})
	if code != http.StatusInternalServerError || len(body.Issues) != 1 {
		t.Fatalf("code=%d body=%+v", code, body)
	}
}
