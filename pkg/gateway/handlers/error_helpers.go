package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/reframe-ai/reframe-voice/pkg/core"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/apierror"
)

func writeCoreErrorJSON(w http.ResponseWriter, reqID string, coreErr *core.Error, status int) {
	if coreErr != nil && coreErr.RequestID == "" {
		coreErr.RequestID = reqID
	}
	if coreErr != nil && coreErr.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*coreErr.RetryAfter))
	}
	writeJSON(w, status, apierror.Envelope{Error: coreErr})
}

// writeErr maps err to the canonical envelope and logs server-side failures.
func writeErr(w http.ResponseWriter, logger *slog.Logger, reqID, sessionID string, err error) {
	coreErr, status := apierror.FromError(err, reqID)
	coreErr.SessionID = sessionID
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", "request_id", reqID, "session_id", sessionID, "status", status, "error", err)
	}
	writeCoreErrorJSON(w, reqID, coreErr, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a bounded JSON body into dst. An empty body leaves dst
// untouched when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any, allowEmpty bool) *core.Error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		return core.NewInvalidRequestErrorWithParam("content type must be application/json", "Content-Type")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF) && allowEmpty:
			return nil
		case errors.Is(err, io.EOF):
			return core.NewInvalidRequestError("request body is required")
		case errors.As(err, &maxErr):
			return core.NewInvalidRequestError("request body too large").WithCode("body_too_large")
		default:
			return core.NewInvalidRequestError("invalid JSON body")
		}
	}
	if dec.More() {
		return core.NewInvalidRequestError("request body must contain a single JSON object")
	}
	return nil
}
