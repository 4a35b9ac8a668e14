package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total     int            `json:"total"`
	Handled   int            `json:"handled"`
	Pending   int            `json:"pending"`
	ByAdapter map[string]int `json:"by_adapter"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.logger.Error("get record stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:     stats.Total,
		Handled:   stats.Handled,
		Pending:   stats.Pending,
		ByAdapter: stats.CountByAdapter,
	})
}
