package server

import (
	"bufio"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/reframe-ai/reframe-voice/pkg/gateway/config"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/lifecycle"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/metrics"
	"github.com/reframe-ai/reframe-voice/pkg/voice/agent/agenttest"
	"github.com/reframe-ai/reframe-voice/pkg/voice/registry"
)

func testConfig() config.Config {
	return config.Config{
		AuthMode:           config.AuthModeRequired,
		APIKeys:            map[string]struct{}{"k1": {}},
		CORSAllowedOrigins: map[string]struct{}{},
		AgentBackend:       config.AgentEcho,
		MaxBodyBytes:       1 << 20,
		MaxAudioChunkBytes: 1 << 16,
		HeartbeatInterval:  time.Second,
		LimitRPS:           1000,
		LimitBurst:         1000,
		ReadHeaderTimeout:  time.Second,
	}
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *metrics.Metrics) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	m := metrics.New("reframe")
	reg := registry.New(registry.Options{
		Gateway:  agenttest.NewGateway(),
		Logger:   logger,
		Observer: m,
	})
	t.Cleanup(func() { reg.CloseAll() })
	return New(cfg, logger, Options{Registry: reg, Lifecycle: &lifecycle.Lifecycle{}, Metrics: m}), m
}

func serve(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	rr := serve(s, http.MethodGet, "/does-not-exist", "k1", "")

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID")
	}
}

func TestServer_AuthGuardsSessions(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	if rr := serve(s, http.MethodPost, "/sessions", "", `{}`); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token status=%d", rr.Code)
	}
	if rr := serve(s, http.MethodPost, "/sessions", "nope", `{}`); rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status=%d", rr.Code)
	}
	rr := serve(s, http.MethodPost, "/sessions", "k1", `{"language":"en-US"}`)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"active"`) {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if rr := serve(s, http.MethodGet, "/healthz", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}
}

func TestServer_MethodMismatchIs404OrNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	rr := serve(s, http.MethodPut, "/sessions", "k1", `{}`)
	if rr.Code != http.StatusMethodNotAllowed && rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestServer_MetricsScrape(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	if rr := serve(s, http.MethodPost, "/sessions", "k1", `{}`); rr.Code != http.StatusOK {
		t.Fatalf("create status=%d", rr.Code)
	}

	rr := serve(s, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`reframe_http_requests_total{route="POST /sessions",status="200"} 1`,
		`reframe_sessions_active 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestServer_DrainingRefusesNewSessions(t *testing.T) {
	cfg := testConfig()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := registry.New(registry.Options{Gateway: agenttest.NewGateway(), Logger: logger})
	lc := &lifecycle.Lifecycle{}
	s := New(cfg, logger, Options{Registry: reg, Lifecycle: lc})
	lc.SetDraining(true)

	if rr := serve(s, http.MethodPost, "/sessions", "k1", `{}`); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("create status=%d", rr.Code)
	}
	if rr := serve(s, http.MethodGet, "/readyz", "", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d", rr.Code)
	}
}

func TestServer_StreamThroughMiddleware(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	rr := serve(s, http.MethodPost, "/sessions", "k1", `{}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("create status=%d", rr.Code)
	}
	id := between(rr.Body.String(), `"session_id":"`, `"`)

	// EventSource clients cannot set headers; the query token is accepted on GET.
	resp, err := http.Get(srv.URL + "/sessions/" + id + "/stream?access_token=k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status=%d", resp.StatusCode)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	select {
	case line := <-lines:
		if !strings.Contains(line, `"type":"turn_complete"`) || !strings.Contains(line, `"data":"connected"`) {
			t.Fatalf("first line=%q", line)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("connected frame was not flushed through the middleware chain")
	}
}

func between(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	s = s[i+len(start):]
	if j := strings.Index(s, end); j >= 0 {
		return s[:j]
	}
	return s
}
