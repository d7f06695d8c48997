package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// SSEEncoder frames events as server-sent events. Content events use their
// type as the SSE event name; control payloads travel as "data" events.
type SSEEncoder struct {
	w       io.Writer
	flusher http.Flusher
	nextID  int64
}

// NewSSEEncoder wraps w. flusher may be nil.
func NewSSEEncoder(w io.Writer, flusher http.Flusher) *SSEEncoder {
	return &SSEEncoder{w: w, flusher: flusher}
}

// SetHeaders writes the SSE response headers.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Encode writes one event and flushes.
func (e *SSEEncoder) Encode(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	e.nextID++
	if _, err := fmt.Fprintf(e.w, "id: %d\nevent: %s\ndata: %s\n\n", e.nextID, ev.Type, data); err != nil {
		return err
	}
	e.flush()
	return nil
}

// Keepalive writes an SSE comment line.
func (e *SSEEncoder) Keepalive() error {
	if _, err := io.WriteString(e.w, ": keepalive\n\n"); err != nil {
		return err
	}
	e.flush()
	return nil
}

func (e *SSEEncoder) flush() {
	if e.flusher != nil {
		e.flusher.Flush()
	}
}
