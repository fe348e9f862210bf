package server

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/reframe-ai/reframe-voice/pkg/gateway/config"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/handlers"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/lifecycle"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/metrics"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/mw"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/ratelimit"
	"github.com/reframe-ai/reframe-voice/pkg/voice/registry"
)

type Options struct {
	Registry  *registry.Registry
	Lifecycle *lifecycle.Lifecycle
	// Metrics is optional; nil disables /metrics and request instrumentation.
	Metrics *metrics.Metrics
	// Journal is optional; when set readiness pings it.
	Journal handlers.Pinger
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	registry  *registry.Registry
	lifecycle *lifecycle.Lifecycle
	metrics   *metrics.Metrics
	journal   handlers.Pinger
	limiter   *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	lc := opts.Lifecycle
	if lc == nil {
		lc = &lifecycle.Lifecycle{}
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		registry:  opts.Registry,
		lifecycle: lc,
		metrics:   opts.Metrics,
		journal:   opts.Journal,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
			MaxConcurrentStreams:  cfg.LimitMaxConcurrentStreams,
		}),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	ready := handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle, Journal: s.journal}
	if s.registry != nil {
		ready.Sessions = s.registry
	}
	s.mux.Handle("GET /readyz", ready)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	h := handlers.SessionsHandler{
		Config:    s.cfg,
		Registry:  s.registry,
		Lifecycle: s.lifecycle,
		Logger:    s.logger,
	}
	if s.metrics != nil {
		h.AudioRecorder = s.metrics
		h.Streams = s.metrics
	}
	s.mux.HandleFunc("POST /sessions", h.Create)
	s.mux.HandleFunc("GET /sessions/{id}", h.Get)
	s.mux.HandleFunc("DELETE /sessions/{id}", h.Delete)
	s.mux.HandleFunc("POST /sessions/{id}/audio", h.Audio)
	s.mux.HandleFunc("POST /sessions/{id}/text", h.Text)
	s.mux.HandleFunc("POST /sessions/{id}/control", h.Control)
	s.mux.HandleFunc("GET /sessions/{id}/stream", h.Stream)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.metrics != nil {
		h = s.metrics.Instrument(h)
	}
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return otelhttp.NewHandler(h, "reframe-voice",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/readyz" && r.URL.Path != "/metrics"
		}),
	)
}

// HTTPServer returns an http.Server for addr. There is no write timeout:
// session streams stay open for the life of the session.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
}
