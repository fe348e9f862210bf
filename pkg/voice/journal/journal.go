// Package journal records session lifecycle and final transcripts.
package journal

import (
	"context"
	"time"
)

type SessionRecord struct {
	ID        string
	Language  string
	StartedAt time.Time
}

type Entry struct {
	SessionID string
	Role      string
	Text      string
	At        time.Time
}

// Journal is written to best-effort; a failing journal never ends a session.
type Journal interface {
	SessionStarted(ctx context.Context, rec SessionRecord) error
	SessionEnded(ctx context.Context, sessionID, reason string, at time.Time) error
	AppendTranscript(ctx context.Context, e Entry) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) SessionStarted(context.Context, SessionRecord) error { return nil }
func (Nop) SessionEnded(context.Context, string, string, time.Time) error { return nil }
func (Nop) AppendTranscript(context.Context, Entry) error { return nil }
