package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/seantiz/fireforget/internal/background"
)

// drainResponse is the JSON response for POST /v1/tracker/drain.
type drainResponse struct {
	DurationMS int64            `json:"duration_ms"`
	Pending    int              `json:"pending"`
	Error      string           `json:"error,omitempty"`
	Tracker    background.Stats `json:"tracker"`
}

// handleDrain waits for the tasks in flight when the request arrived. Tasks
// submitted meanwhile are not waited for.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	err := s.tracker.CompletePending(r.Context())
	resp := drainResponse{DurationMS: time.Since(start).Milliseconds()}

	var timeout *background.TimeoutError
	switch {
	case err == nil:
		resp.Tracker = s.tracker.Stats()
		s.writeJSON(w, http.StatusOK, resp)
	case errors.As(err, &timeout):
		resp.Pending = timeout.Pending
		resp.Error = err.Error()
		resp.Tracker = s.tracker.Stats()
		s.writeJSON(w, http.StatusGatewayTimeout, resp)
	case r.Context().Err() != nil:
		s.logger.Info("drain abandoned by client", "error", err)
	default:
		s.logger.Error("drain background tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to drain tasks")
	}
}
