package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/reframe-ai/reframe-voice/pkg/core"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/config"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/lifecycle"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/mw"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/sse"
	"github.com/reframe-ai/reframe-voice/pkg/voice"
	"github.com/reframe-ai/reframe-voice/pkg/voice/events"
	"github.com/reframe-ai/reframe-voice/pkg/voice/registry"
	"github.com/reframe-ai/reframe-voice/pkg/voice/session"
	"github.com/reframe-ai/reframe-voice/pkg/voice/stream"
)

// AudioRecorder counts accepted audio bytes.
type AudioRecorder interface {
	RecordAudio(direction string, n int)
}

// SessionsHandler serves the /sessions routes.
type SessionsHandler struct {
	Config        config.Config
	Registry      *registry.Registry
	Lifecycle     *lifecycle.Lifecycle
	Logger        *slog.Logger
	AudioRecorder AudioRecorder
	Streams       stream.Observer
}

type createSessionRequest struct {
	Language string `json:"language"`
}

type sessionResponse struct {
	SessionID string     `json:"session_id"`
	Status    string     `json:"status"`
	Language  string     `json:"language"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

type audioRequest struct {
	Data       string `json:"data"`
	Timestamp  int64  `json:"timestamp"`
	SampleRate int    `json:"sample_rate"`
}

type textRequest struct {
	Text string `json:"text"`
}

type controlRequest struct {
	Action string `json:"action"`
}

type statusResponse struct {
	Status string `json:"status"`
	Action string `json:"action,omitempty"`
}

func (h SessionsHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Create handles POST /sessions.
func (h SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if err := h.Lifecycle.Admit(); err != nil {
		writeErr(w, h.logger(), reqID, "", err)
		return
	}

	var req createSessionRequest
	if ce := decodeBody(w, r, h.Config.MaxBodyBytes, &req, true); ce != nil {
		writeCoreErrorJSON(w, reqID, ce, http.StatusBadRequest)
		return
	}

	s, err := h.Registry.Create(r.Context(), registry.CreateOptions{Language: req.Language})
	if err != nil {
		writeErr(w, h.logger(), reqID, "", err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: s.ID(),
		Status:    string(s.Status()),
		Language:  s.Language(),
	})
}

// Get handles GET /sessions/{id}.
func (h SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	s, ok := h.lookup(w, r, reqID)
	if !ok {
		return
	}
	snap := s.Snapshot()
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: snap.ID,
		Status:    string(snap.Status),
		Language:  snap.Language,
		CreatedAt: &snap.CreatedAt,
	})
}

// Audio handles POST /sessions/{id}/audio.
func (h SessionsHandler) Audio(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	s, ok := h.lookup(w, r, reqID)
	if !ok {
		return
	}

	var req audioRequest
	if ce := decodeBody(w, r, h.Config.MaxBodyBytes, &req, false); ce != nil {
		writeCoreErrorJSON(w, reqID, ce, http.StatusBadRequest)
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam("data must be base64 encoded audio", "data"), http.StatusBadRequest)
		return
	}
	if h.Config.MaxAudioChunkBytes > 0 && len(pcm) > h.Config.MaxAudioChunkBytes {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam(
			fmt.Sprintf("audio chunk exceeds %d bytes", h.Config.MaxAudioChunkBytes), "data"), http.StatusBadRequest)
		return
	}
	if req.SampleRate < 0 {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam("sample_rate must be > 0", "sample_rate"), http.StatusBadRequest)
		return
	}

	if err := s.SendAudio(r.Context(), pcm, req.SampleRate); err != nil {
		writeErr(w, h.logger(), reqID, s.ID(), err)
		return
	}
	if h.AudioRecorder != nil {
		h.AudioRecorder.RecordAudio("inbound", len(pcm))
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "received"})
}

// Text handles POST /sessions/{id}/text.
func (h SessionsHandler) Text(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	s, ok := h.lookup(w, r, reqID)
	if !ok {
		return
	}

	var req textRequest
	if ce := decodeBody(w, r, h.Config.MaxBodyBytes, &req, false); ce != nil {
		writeCoreErrorJSON(w, reqID, ce, http.StatusBadRequest)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam("text is required", "text"), http.StatusBadRequest)
		return
	}
	if err := s.SendText(r.Context(), text); err != nil {
		writeErr(w, h.logger(), reqID, s.ID(), err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "received"})
}

// Control handles POST /sessions/{id}/control.
func (h SessionsHandler) Control(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	s, ok := h.lookup(w, r, reqID)
	if !ok {
		return
	}

	var req controlRequest
	if ce := decodeBody(w, r, h.Config.MaxBodyBytes, &req, false); ce != nil {
		writeCoreErrorJSON(w, reqID, ce, http.StatusBadRequest)
		return
	}
	action, err := session.ParseAction(strings.TrimSpace(req.Action))
	if err != nil {
		writeErr(w, h.logger(), reqID, s.ID(), err)
		return
	}
	if err := s.SendControl(r.Context(), action); err != nil {
		writeErr(w, h.logger(), reqID, s.ID(), err)
		return
	}
	h.logger().Info("session control", "request_id", reqID, "session_id", s.ID(), "action", action)
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", Action: string(action)})
}

// Delete handles DELETE /sessions/{id}.
func (h SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	id := r.PathValue("id")
	if !h.Registry.Remove(id) {
		writeErr(w, h.logger(), reqID, id, voice.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: string(session.StatusEnded)})
}

// Stream handles GET /sessions/{id}/stream. It holds the request until the
// session ends or the client goes away; a client disconnect ends the session.
func (h SessionsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	s, ok := h.lookup(w, r, reqID)
	if !ok {
		return
	}
	sub, err := s.Subscribe()
	if err != nil {
		writeErr(w, h.logger(), reqID, s.ID(), err)
		return
	}
	defer sub.Close()

	sw, err := sse.New(w)
	if err != nil {
		writeErr(w, h.logger(), reqID, s.ID(), err)
		return
	}
	sw.Prepare()

	logger := h.logger().With("request_id", reqID)
	m := stream.Multiplexer{
		HeartbeatInterval: h.Config.HeartbeatInterval,
		Logger:            logger,
		Observer:          h.Streams,
	}
	err = m.Run(r.Context(), sub, sseSink{w: sw})
	switch {
	case err == nil:
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Info("stream client disconnected", "session_id", s.ID())
	default:
		logger.Warn("stream ended", "session_id", s.ID(), "error", err)
	}
	h.Registry.End(s.ID(), session.ReasonDisconnected)
}

func (h SessionsHandler) lookup(w http.ResponseWriter, r *http.Request, reqID string) (*session.Session, bool) {
	id := r.PathValue("id")
	s, ok := h.Registry.Get(id)
	if !ok {
		writeErr(w, h.logger(), reqID, id, voice.ErrSessionNotFound)
		return nil, false
	}
	return s, true
}

// sseSink renders stream frames as SSE data lines and heartbeats as comments.
type sseSink struct {
	w *sse.Writer
}

func (s sseSink) Send(ev events.Event) error {
	b, err := events.Encode(ev)
	if err != nil {
		return err
	}
	return s.w.Data(b)
}

func (s sseSink) Heartbeat() error {
	return s.w.Comment("heartbeat")
}
