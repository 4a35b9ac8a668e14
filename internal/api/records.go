package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/stmtrelay/internal/engine"
)

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Record(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeEngineError(w, "get record", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleStreamRecordEvents streams the completion of one statement as SSE.
// The stream carries a single "completion" event followed by "done".
func (s *Server) handleStreamRecordEvents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	// Subscribe before reading the record so a completion handled in between
	// is still delivered.
	ch, unsub := s.engine.Broker().Subscribe(name)
	defer unsub()

	rec, err := s.engine.Record(r.Context(), name)
	if err != nil {
		s.writeEngineError(w, "get record", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if c, ok := engine.CompletionOf(rec); ok {
		w.WriteHeader(http.StatusOK)
		s.finishStream(w, c)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	completionStreams.Inc()
	defer completionStreams.Dec()

	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Debug("flush SSE headers", "error", err)
	}

	select {
	case c, ok := <-ch:
		if !ok {
			_ = writeSSEEvent(w, "done", "stream complete")
			_ = rc.Flush()
			return
		}
		s.finishStream(w, c)
	case <-r.Context().Done():
	}
}

func (s *Server) finishStream(w http.ResponseWriter, c engine.Completion) {
	data, err := json.Marshal(c)
	if err != nil {
		s.logger.Error("encode completion event", "error", err)
		return
	}
	if err := writeSSEEvent(w, "completion", string(data)); err != nil {
		return
	}
	_ = writeSSEEvent(w, "done", "stream complete")
	_ = http.NewResponseController(w).Flush()
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
