package api

import (
	"encoding/json"
	"net/http"

	"github.com/tensorforge/forge/internal/domain"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDomainError maps a domain error to the uniform error shape:
// error.code (the Kind's name), error.message, and the
// protocol-appropriate HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.Classify(err)
	writeJSON(w, kind.HTTPStatus(), map[string]interface{}{
		"error": map[string]interface{}{
			"code":    kind.String(),
			"message": err.Error(),
		},
	})
}

// writeError writes a JSON error response with an explicit status, for
// request-validation failures that never reach a domain operation.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    domain.KindInvalidRequest.String(),
			"message": msg,
		},
	})
}

// corsMiddleware adds CORS headers for local development, the same
// policy the teacher's server applies.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sseWriter wraps a ResponseWriter for a single SSE stream: it sets the
// headers on first use and flushes after every write, matching the
// teacher's streamChatResponse discipline.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

// writeEvent frames one SSE event. name may be empty for an unnamed
// ("data only") event, used by the OpenAI-compatible stream; named
// events are used by the Anthropic-compatible stream.
func (s *sseWriter) writeEvent(name string, payload interface{}) error {
	s.start()
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if name != "" {
		if _, err := s.w.Write([]byte("event: " + name + "\n")); err != nil {
			return err
		}
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// writeRaw emits a raw, non-JSON data line — used for the OpenAI
// stream's terminal "data: [DONE]" marker.
func (s *sseWriter) writeRaw(line string) {
	s.start()
	s.w.Write([]byte(line + "\n\n"))
	s.flusher.Flush()
}
