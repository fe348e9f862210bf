package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/reframe-ai/reframe-voice/pkg/gateway/config"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger is a dependency checked by readiness, such as the journal database.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  interface{ Count() int }
	Journal   Pinger
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		AuthMode       string   `json:"auth_mode"`
		AgentBackend   string   `json:"agent_backend"`
		ActiveSessions int      `json:"active_sessions"`
		Issues         []string `json:"issues,omitempty"`
	}

	var issues []string
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	if h.Journal != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.Journal.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "journal database unreachable")
		}
	}

	draining := h.Lifecycle.IsDraining()
	active := 0
	if h.Sessions != nil {
		active = h.Sessions.Count()
	}

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case len(issues) > 0:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, readyResp{
		OK:             ok,
		Draining:       draining,
		AuthMode:       string(h.Config.AuthMode),
		AgentBackend:   string(h.Config.AgentBackend),
		ActiveSessions: active,
		Issues:         issues,
	})
}
