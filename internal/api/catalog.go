package api

import "net/http"

// handleListAdapters lists the caller protocols submissions are matched
// against.
func (s *Server) handleListAdapters(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Adapters().Descriptors())
}

// handleListBackends lists the registered statement backends and their
// capabilities.
func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}
