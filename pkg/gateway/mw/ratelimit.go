package mw

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/reframe-ai/reframe-voice/pkg/core"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/config"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/principal"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/ratelimit"
)

// RateLimit applies per-principal budgets. Session streams take a stream
// permit held until the stream returns; every other call takes a request
// permit.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isHealthCheck(r) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := principal.Resolve(r, cfg).Key
		var dec ratelimit.Decision
		if isStreamRequest(r) {
			dec = limiter.AcquireStream(key, time.Now())
		} else {
			dec = limiter.AcquireRequest(key, time.Now())
		}
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			ce := core.NewRateLimitError("rate limit exceeded", dec.RetryAfter)
			ce.RequestID = reqID
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			writeJSONError(w, http.StatusTooManyRequests, ce)
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}

func isStreamRequest(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/sessions/") && strings.HasSuffix(r.URL.Path, "/stream")
}
