package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/seantiz/stmtrelay/internal/backend"
	"github.com/seantiz/stmtrelay/internal/engine"
	"github.com/seantiz/stmtrelay/internal/model"
	"github.com/seantiz/stmtrelay/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps an engine, store or backend error to its HTTP status.
// Server-side failures are logged and their detail withheld.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error(op, "error", err)
		s.writeError(w, status, "failed to "+op)
		return
	}
	s.logger.Debug(op, "status", status, "error", err)
	s.writeError(w, status, err.Error())
}

// errorStatus returns the HTTP status for err.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, model.ErrMalformedNotification):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrUnknownStatementName):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrConcurrentExecution):
		return http.StatusConflict
	case errors.Is(err, backend.ErrRejected),
		errors.Is(err, engine.ErrUnrecognizedState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, backend.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrWaitTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// readBody reads a size-limited request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}
