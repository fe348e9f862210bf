// Package sse writes data-only server-sent event frames.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func New(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &Writer{w: w, flusher: f}, nil
}

// Prepare sets the stream headers, writes the 200 status and flushes so the
// client sees the response open before the first frame.
func (sw *Writer) Prepare() {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(http.StatusOK)
	sw.flusher.Flush()
}

// Data writes one "data:" frame. payload must be a single line.
func (sw *Writer) Data(payload []byte) error {
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return sw.write(frame)
}

func (sw *Writer) JSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sw.Data(b)
}

// Comment writes a comment line that EventSource clients ignore.
func (sw *Writer) Comment(text string) error {
	text = strings.ReplaceAll(text, "\n", " ")
	return sw.write([]byte(": " + text + "\n\n"))
}

func (sw *Writer) write(frame []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, err := sw.w.Write(frame); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
