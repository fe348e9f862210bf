// Package voice holds the error taxonomy shared by the voice session packages.
package voice

import "errors"

var (
	// ErrSessionNotFound reports an unknown or already-ended session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotActive reports a mutating call against a created or ended session.
	ErrSessionNotActive = errors.New("session not active")
	// ErrGatewayUnavailable reports that the agent gateway could not be reached or failed mid-stream.
	ErrGatewayUnavailable = errors.New("agent gateway unavailable")
	// ErrTransportFailure reports a failure while writing a stream frame to the client.
	ErrTransportFailure = errors.New("stream transport failure")

	ErrInvalidAction     = errors.New("invalid control action")
	ErrAlreadySubscribed = errors.New("session stream already subscribed")
	ErrTooManySessions   = errors.New("too many active sessions")
	ErrAudioRateLimited  = errors.New("inbound audio rate exceeded")
	ErrQueueOverflow     = errors.New("outbound queue overflow")
	ErrInvalidLanguage   = errors.New("invalid language tag")
	ErrShuttingDown      = errors.New("server is shutting down")
)
