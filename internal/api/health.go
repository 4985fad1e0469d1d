package api

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
}

// handleHealthz reports ok until the tracker is closed, then 503 so load
// balancers stop routing new tasks here.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.tracker.Stats().Closed {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "shutting_down"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
