package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultWriterBuffer  = 1024
	defaultWriterTimeout = 2 * time.Second
)

var _ Journal = (*Writer)(nil)

// ErrWriterClosed is logged for writes that arrive after Close.
var ErrWriterClosed = errors.New("journal: writer closed")

type WriterOptions struct {
	// Buffer is how many pending writes are held before new ones are dropped.
	Buffer int
	// Timeout bounds each write against the wrapped journal.
	Timeout time.Duration
	Logger  *slog.Logger
}

type op struct {
	kind string
	fn   func(ctx context.Context) error
}

// Writer queues journal writes and applies them in order on a single
// goroutine, so callers never wait on the backing store. Writes are dropped
// and counted when the queue is full.
type Writer struct {
	next    Journal
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	ops    chan op

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	dropped atomic.Int64
}

func NewWriter(next Journal, opts WriterOptions) *Writer {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultWriterBuffer
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultWriterTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		next:    next,
		logger:  opts.Logger,
		timeout: opts.Timeout,
		ops:     make(chan op, opts.Buffer),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) SessionStarted(_ context.Context, rec SessionRecord) error {
	w.enqueue(op{kind: "session_started", fn: func(ctx context.Context) error {
		return w.next.SessionStarted(ctx, rec)
	}})
	return nil
}

func (w *Writer) SessionEnded(_ context.Context, sessionID, reason string, at time.Time) error {
	w.enqueue(op{kind: "session_ended", fn: func(ctx context.Context) error {
		return w.next.SessionEnded(ctx, sessionID, reason, at)
	}})
	return nil
}

func (w *Writer) AppendTranscript(_ context.Context, e Entry) error {
	w.enqueue(op{kind: "transcript", fn: func(ctx context.Context) error {
		return w.next.AppendTranscript(ctx, e)
	}})
	return nil
}

// Dropped reports how many writes were discarded.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

func (w *Writer) enqueue(o op) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		w.logger.Warn("journal write dropped", "kind", o.kind, "error", ErrWriterClosed)
		return
	}
	select {
	case w.ops <- o:
	default:
		w.dropped.Add(1)
		w.logger.Warn("journal write dropped", "kind", o.kind, "reason", "queue full")
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for o := range w.ops {
		if w.ctx.Err() != nil {
			w.dropped.Add(1)
			continue
		}
		ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
		err := o.fn(ctx)
		cancel()
		if err != nil {
			w.logger.Warn("journal write failed", "kind", o.kind, "error", err)
		}
	}
}

// Close stops accepting writes and waits for queued ones to finish. If ctx
// ends first, in-flight work is cancelled, the rest is discarded and
// ctx.Err() is returned.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ops)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.done
		return ctx.Err()
	}
}
