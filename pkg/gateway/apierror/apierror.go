package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/reframe-ai/reframe-voice/pkg/core"
	"github.com/reframe-ai/reframe-voice/pkg/voice"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		return &out, statusFromType(coreErr.Type)
	}

	if ce := fromVoiceError(err); ce != nil {
		ce.RequestID = requestID
		return ce, statusFromType(ce.Type)
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &core.Error{
		Type:      core.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func fromVoiceError(err error) *core.Error {
	switch {
	case errors.Is(err, voice.ErrSessionNotFound):
		return &core.Error{Type: core.ErrNotFound, Message: "session not found", Code: "session_not_found"}
	case errors.Is(err, voice.ErrSessionNotActive):
		return &core.Error{Type: core.ErrInvalidRequest, Message: "session is not active", Code: "session_not_active"}
	case errors.Is(err, voice.ErrInvalidAction):
		return &core.Error{Type: core.ErrInvalidRequest, Message: "action must be one of end_turn|cancel|end_session", Param: "action", Code: "invalid_action"}
	case errors.Is(err, voice.ErrInvalidLanguage):
		return &core.Error{Type: core.ErrInvalidRequest, Message: "language must be a valid BCP 47 tag", Param: "language", Code: "invalid_language"}
	case errors.Is(err, voice.ErrAlreadySubscribed):
		return &core.Error{Type: core.ErrConflict, Message: "session already has an active stream", Code: "stream_already_open"}
	case errors.Is(err, voice.ErrTooManySessions):
		return core.NewRateLimitError("too many active sessions", 1).WithCode("too_many_sessions")
	case errors.Is(err, voice.ErrAudioRateLimited):
		return core.NewRateLimitError("inbound audio rate exceeded", 1).WithCode("audio_rate_limited")
	case errors.Is(err, voice.ErrShuttingDown):
		return &core.Error{Type: core.ErrOverloaded, Message: "server is shutting down", Code: "draining"}
	case errors.Is(err, voice.ErrGatewayUnavailable):
		// Upstream details stay in the logs.
		return &core.Error{Type: core.ErrAgentGateway, Message: "agent gateway unavailable", Code: "gateway_unavailable"}
	case errors.Is(err, voice.ErrQueueOverflow):
		return &core.Error{Type: core.ErrAPI, Message: "outbound queue overflow", Code: "queue_overflow"}
	case errors.Is(err, voice.ErrTransportFailure):
		return &core.Error{Type: core.ErrAPI, Message: "stream transport failure", Code: "transport_failure"}
	}
	return nil
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrPermission:
		return http.StatusForbidden
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrConflict:
		return http.StatusConflict
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
