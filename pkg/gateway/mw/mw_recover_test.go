package mw

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/reframe-ai/reframe-voice/pkg/core"
)

func TestRecover_AudioHandlerPanicKeepsRequestID(t *testing.T) {
	var logs bytes.Buffer
	h := RequestID(Recover(slog.New(slog.NewJSONHandler(&logs, nil)), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("pcm decode: index out of range")
	})))

	req := httptest.NewRequest(http.MethodPost, "/sessions/sess_1/audio", strings.NewReader("\x00"))
	req.Header.Set("X-Request-ID", "req_client_42")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := rr.Header().Get("X-Request-ID"); got != "req_client_42" {
		t.Fatalf("X-Request-ID=%q", got)
	}
	var env struct {
		Error core.Error `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Type != core.ErrAPI || env.Error.RequestID != "req_client_42" {
		t.Fatalf("error=%+v", env.Error)
	}
	if strings.Contains(env.Error.Message, "pcm decode") {
		t.Fatalf("panic value leaked to client: %q", env.Error.Message)
	}
	if !strings.Contains(logs.String(), `"request_id":"req_client_42"`) || !strings.Contains(logs.String(), "pcm decode") {
		t.Fatalf("panic not logged: %s", logs.String())
	}
}

func TestRecover_AbortHandlerPropagates(t *testing.T) {
	h := Recover(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", v)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions/sess_1/stream", nil))
}
