package api

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/stmtrelay/internal/engine"
)

// handleNotification accepts one completion event pushed by a backend, for
// deployments that deliver notifications over HTTP instead of a queue.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg := engine.Message{ID: middleware.GetReqID(r.Context()), Body: string(body)}
	result := s.engine.ProcessBatch(r.Context(), []engine.Message{msg})
	if result.Failed() {
		s.writeEngineError(w, "process notification", result.Errors[0])
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
