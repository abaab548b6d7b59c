package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// pingInterval is the maximum stream silence before a keep-alive comment is
// emitted, to defeat proxy idle timeouts.
const pingInterval = 15 * time.Second

// sseWriter frames JSON events onto an event stream: one object per `data:`
// line, a flush per event, keep-alive comments during silence. Safe for the
// concurrent writes of the event path and the keep-alive goroutine.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu        sync.Mutex
	lastWrite time.Time
	closed    bool
	stop      chan struct{}
	stopOnce  sync.Once
}

// newSSEWriter prepares the response for event streaming. Returns an error
// when the connection cannot flush, which SSE requires.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &sseWriter{
		w:         w,
		flusher:   flusher,
		lastWrite: time.Now(),
		stop:      make(chan struct{}),
	}
	go s.keepAlive()
	return s, nil
}

// WriteEvent sends one `data: <JSON>` frame and flushes it.
func (s *sseWriter) WriteEvent(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	s.lastWrite = time.Now()
	return nil
}

// Close stops the keep-alive goroutine. The response body is closed by the
// HTTP server when the handler returns.
func (s *sseWriter) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *sseWriter) keepAlive() {
	ticker := time.NewTicker(pingInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.closed && time.Since(s.lastWrite) >= pingInterval {
				if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
					s.closed = true
				} else {
					s.flusher.Flush()
					s.lastWrite = time.Now()
				}
			}
			s.mu.Unlock()
		}
	}
}
