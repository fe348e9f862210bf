package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/reframe-ai/reframe-voice/pkg/core"
)

func TestWriteCoreErrorJSON_SetsRetryAfterAndRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	writeCoreErrorJSON(rec, "req_7", core.NewRateLimitError("too many sessions", 12), http.StatusTooManyRequests)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "12" {
		t.Fatalf("Retry-After=%q", got)
	}
	var body struct {
		Error struct {
			RequestID  string `json:"request_id"`
			RetryAfter int    `json:"retry_after"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.RequestID != "req_7" || body.Error.RetryAfter != 12 {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestWriteCoreErrorJSON_OmitsRetryAfterWhenUnset(t *testing.T) {
	rec := httptest.NewRecorder()
	writeCoreErrorJSON(rec, "req_8", core.NewAPIError("boom"), http.StatusInternalServerError)
	if got := rec.Header().Get("Retry-After"); got != "" {
		t.Fatalf("Retry-After=%q, want empty", got)
	}
}
