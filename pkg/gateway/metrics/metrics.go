// Package metrics exposes gateway and session counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reframe-ai/reframe-voice/pkg/voice/events"
)

// Metrics holds all Prometheus metrics for the gateway. It satisfies
// registry.Observer and stream.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive       prometheus.Gauge
	SessionsEndedTotal   *prometheus.CounterVec
	SessionDuration      prometheus.Histogram
	GatewayConnectErrors prometheus.Counter
	AudioBytesTotal      *prometheus.CounterVec

	// Stream metrics
	StreamFramesTotal *prometheus.CounterVec
	HeartbeatsTotal   prometheus.Counter
}

// New creates a Metrics instance with its own registry. Go runtime and
// process collectors are included.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "reframe"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds (streams included)",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"route"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active voice sessions",
		}),
		SessionsEndedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of ended voice sessions",
		}, []string{"reason"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Voice session lifetime in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		GatewayConnectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_connect_errors_total",
			Help:      "Agent gateway connections that failed during session creation",
		}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes accepted from clients",
		}, []string{"direction"}),
		StreamFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Stream frames written to clients",
		}, []string{"type"}),
		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_heartbeats_total",
			Help:      "Heartbeats written to idle streams",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.RequestDuration,
		m.SessionsActive,
		m.SessionsEndedTotal,
		m.SessionDuration,
		m.GatewayConnectErrors,
		m.AudioBytesTotal,
		m.StreamFramesTotal,
		m.HeartbeatsTotal,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionStarted() {
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(reason string, lifetime time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsEndedTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(lifetime.Seconds())
}

func (m *Metrics) GatewayConnectFailed() {
	m.GatewayConnectErrors.Inc()
}

func (m *Metrics) FrameSent(t events.Type) {
	m.StreamFramesTotal.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) HeartbeatSent() {
	m.HeartbeatsTotal.Inc()
}

// RecordAudio records audio bytes; direction is "inbound" or "outbound".
func (m *Metrics) RecordAudio(direction string, n int) {
	if n > 0 {
		m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
	}
}

// Instrument records request counts and latency by route pattern. It must
// wrap the ServeMux directly so the matched pattern is visible afterwards.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		var out http.ResponseWriter = rw
		if f, ok := w.(http.Flusher); ok {
			out = flushRecorder{statusRecorder: rw, flusher: f}
		}
		next.ServeHTTP(out, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(route, strconv.Itoa(rw.status)).Inc()
		m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

type flushRecorder struct {
	*statusRecorder
	flusher http.Flusher
}

func (rw flushRecorder) Flush() { rw.flusher.Flush() }
