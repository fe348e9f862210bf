package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type slowJournal struct {
	Nop
	release chan struct{}

	mu      sync.Mutex
	entries []string
}

func (j *slowJournal) AppendTranscript(ctx context.Context, e Entry) error {
	if j.release != nil {
		select {
		case <-j.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e.Text)
	return nil
}

func (j *slowJournal) texts() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestWriter_DoesNotBlockOnSlowStore(t *testing.T) {
	j := &slowJournal{release: make(chan struct{})}
	w := NewWriter(j, WriterOptions{Buffer: 8, Logger: quietLogger()})

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := w.AppendTranscript(context.Background(), Entry{Text: "line"}); err != nil {
			t.Fatalf("AppendTranscript: %v", err)
		}
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Fatalf("writes blocked for %v", d)
	}

	close(j.release)
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := j.texts(); len(got) != 4 {
		t.Fatalf("entries=%v", got)
	}
}

func TestWriter_DrainsInOrderOnClose(t *testing.T) {
	j := &slowJournal{}
	w := NewWriter(j, WriterOptions{Logger: quietLogger()})
	for _, text := range []string{"a", "b", "c"} {
		_ = w.AppendTranscript(context.Background(), Entry{Text: text})
	}
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got := j.texts()
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("entries=%v", got)
	}

	_ = w.AppendTranscript(context.Background(), Entry{Text: "late"})
	if w.Dropped() != 1 {
		t.Fatalf("dropped=%d, want 1 after close", w.Dropped())
	}
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestWriter_DropsWhenQueueFull(t *testing.T) {
	j := &slowJournal{release: make(chan struct{})}
	w := NewWriter(j, WriterOptions{Buffer: 1, Logger: quietLogger()})

	// One write is held by the store, one fits in the queue, the rest drop.
	for i := 0; i < 10; i++ {
		_ = w.AppendTranscript(context.Background(), Entry{Text: "x"})
	}
	if w.Dropped() < 8 {
		t.Fatalf("dropped=%d, want at least 8", w.Dropped())
	}
	close(j.release)
	_ = w.Close(context.Background())
}

func TestWriter_CloseHonoursDeadline(t *testing.T) {
	j := &slowJournal{release: make(chan struct{})}
	w := NewWriter(j, WriterOptions{Timeout: time.Minute, Logger: quietLogger()})
	_ = w.AppendTranscript(context.Background(), Entry{Text: "stuck"})
	_ = w.AppendTranscript(context.Background(), Entry{Text: "queued"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close err=%v, want deadline exceeded", err)
	}
	if got := j.texts(); len(got) != 0 {
		t.Fatalf("entries=%v, want none written", got)
	}
}
