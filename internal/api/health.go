package api

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status   string   `json:"status"`
	Backends []string `json:"backends"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.List()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(healthResponse{Status: "ok", Backends: names}); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
