package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ent0n29/restyle/internal/protocol"
)

var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// SSESink writes one "data: <json>" frame per event and flushes it.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &SSESink{w: w, flusher: flusher}, nil
}

// WriteHeaders starts the event stream response.
func (s *SSESink) WriteHeaders() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

func (s *SSESink) Send(ev protocol.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *SSESink) Transport() string { return "sse" }
