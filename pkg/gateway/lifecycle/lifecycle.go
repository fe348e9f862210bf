package lifecycle

import (
	"sync/atomic"

	"github.com/reframe-ai/reframe-voice/pkg/voice"
)

// Lifecycle holds process state shared across handlers. Draining flips on
// at the start of graceful shutdown: readiness fails and new sessions are
// refused while existing streams finish.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Admit returns voice.ErrShuttingDown while draining.
func (l *Lifecycle) Admit() error {
	if l.IsDraining() {
		return voice.ErrShuttingDown
	}
	return nil
}
