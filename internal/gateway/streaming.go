package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/af-corp/gaianet-gateway/internal/httputil"
)

// sseWriter writes the caller-facing event stream. Headers are sent with the
// first event so earlier failures can still be answered with a JSON error.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	reqID   string
	started bool
}

func newSSEWriter(w http.ResponseWriter, reqID string) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: flusher, reqID: reqID}, true
}

func (s *sseWriter) Started() bool { return s.started }

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Request-ID", s.reqID)
	s.w.WriteHeader(http.StatusOK)
}

// Content sends one content fragment.
func (s *sseWriter) Content(text string) error {
	return s.event(map[string]string{"content": text})
}

// Done sends the completion event.
func (s *sseWriter) Done(model string) {
	if err := s.event(map[string]any{"done": true, "model": model}); err != nil {
		slog.Debug("failed to write done event", "request_id", s.reqID, "error", err)
	}
}

// Error sends a terminal error event.
func (s *sseWriter) Error(apiErr httputil.APIError) {
	if err := s.event(apiErr); err != nil {
		slog.Debug("failed to write error event", "request_id", s.reqID, "error", err)
	}
}

func (s *sseWriter) event(v any) error {
	s.start()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}
