package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// Writer sends Server-Sent Events to an http.ResponseWriter. It is safe for
// concurrent use, so keep-alive comments can interleave with events.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter sets the event-stream headers and returns a writer. It returns nil
// if the ResponseWriter doesn't support http.Flusher.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}
}

// SendData writes an unnamed event (type "message") with JSON data.
func (s *Writer) SendData(data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal SSE data: %w", err)
	}
	return s.WriteFrame(Frame{Data: string(jsonData)})
}

// SendEvent writes a named event with raw text data. Empty data is allowed.
func (s *Writer) SendEvent(event, data string) error {
	return s.WriteFrame(Frame{Event: event, Data: data})
}

// SendComment writes an SSE comment (for keep-alive pings).
func (s *Writer) SendComment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteFrame writes f, splitting multi-line data into several data lines.
func (s *Writer) WriteFrame(f Frame) error {
	var b strings.Builder
	if f.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", f.ID)
	}
	if f.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", f.Event)
	}
	for _, line := range strings.Split(f.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", strings.TrimSuffix(line, "\r"))
	}
	b.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
