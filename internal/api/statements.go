package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/stmtrelay/internal/callback"
	"github.com/seantiz/stmtrelay/internal/engine"
	"github.com/seantiz/stmtrelay/internal/model"
)

// handleInvoke routes a raw inbound event exactly as the function entry
// point does: a notification batch, a submission or a statement query.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.engine.Handle(r.Context(), body)
	if err != nil {
		s.writeEngineError(w, "handle request", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitStatement(w http.ResponseWriter, r *http.Request) {
	var fields callback.Fields
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil || fields == nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req, err := engine.ParseSubmitRequest(fields)
	if err != nil {
		s.writeEngineError(w, "submit statement", err)
		return
	}

	resp, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, "submit statement", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

// statementRef reads the statement reference from the path. LATEST takes the
// executionArn from the query string.
func statementRef(r *http.Request) engine.StatementRef {
	return engine.StatementRef{
		ID:           chi.URLParam(r, "id"),
		ExecutionArn: r.URL.Query().Get(model.FieldExecutionArn),
	}
}

func (s *Server) handleDescribeStatement(w http.ResponseWriter, r *http.Request) {
	desc, err := s.engine.Describe(r.Context(), statementRef(r))
	if err != nil {
		s.writeEngineError(w, "describe statement", err)
		return
	}
	s.writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleGetStatementResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.FetchResult(r.Context(), statementRef(r), r.URL.Query().Get(model.FieldNextToken))
	if err != nil {
		s.writeEngineError(w, "fetch statement result", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelStatement(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.Cancel(r.Context(), statementRef(r))
	if err != nil {
		s.writeEngineError(w, "cancel statement", err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleWaitStatement blocks until the statement is terminal or the timeout
// passes. A timeout answers 504 with the last observed status.
func (s *Server) handleWaitStatement(w http.ResponseWriter, r *http.Request) {
	opts := engine.WaitOptions{}
	q := r.URL.Query()
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "timeout must be a positive duration")
			return
		}
		opts.Timeout = d
	}
	if v := q.Get("cancel"); v != "" {
		cancel, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "cancel must be a boolean")
			return
		}
		opts.CancelOnTimeout = cancel
	}

	// Waits may outlast the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for wait", "error", err)
	}

	res, err := s.engine.Wait(r.Context(), statementRef(r), opts)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, res)
	case errors.Is(err, engine.ErrWaitTimeout):
		s.writeJSON(w, http.StatusGatewayTimeout, res)
	default:
		s.writeEngineError(w, "wait for statement", err)
	}
}
