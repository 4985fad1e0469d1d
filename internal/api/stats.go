package api

import (
	"net/http"

	"github.com/seantiz/fireforget/internal/background"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int              `json:"total"`
	ByStatus      map[string]int   `json:"by_status"`
	ByKind        map[string]int   `json:"by_kind"`
	AvgDurationMS float64          `json:"avg_duration_ms"`
	Tracker       background.Stats `json:"tracker"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByKind:        stats.CountByKind,
		AvgDurationMS: stats.AvgDurationMS,
		Tracker:       s.tracker.Stats(),
	})
}
