package httpapi

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/streamgate/internal/relay"
)

const (
	// sseDataPrefix is the prefix for SSE data lines.
	sseDataPrefix = "data: "

	// sseDone is the marker for stream completion.
	sseDone = "[DONE]"
)

// sseWriter writes server-sent events to one client connection. It wraps
// an http.ResponseWriter whose underlying transport supports flushing.
// Headers go out lazily on the first frame, so a handler can still send a
// plain JSON error response as long as nothing has been written. Writes
// from concurrent goroutines are serialized.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// newSSEWriter returns a writer for the connection. It fails when the
// transport cannot flush incrementally.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

// start sends the event stream headers immediately instead of waiting for
// the first frame. Used by subscription endpoints where the first frame
// comes from another goroutine.
func (s *sseWriter) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *sseWriter) startLocked() {
	if s.started {
		return
	}
	s.started = true

	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

// Started reports whether any frame (and therefore the response header)
// has been written.
func (s *sseWriter) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// writeData emits one data frame and flushes.
func (s *sseWriter) writeData(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.startLocked()
	if _, err := fmt.Fprintf(s.w, "%s%s\n\n", sseDataPrefix, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteEvent implements relay.ClientWriter.
func (s *sseWriter) WriteEvent(ev relay.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.writeData(data)
}

// WriteSnapshot implements broadcast.ObserverWriter.
func (s *sseWriter) WriteSnapshot(payload []byte) error {
	return s.writeData(payload)
}

// writeDone emits the stream end marker.
func (s *sseWriter) writeDone() {
	_ = s.writeData([]byte(sseDone))
}
