package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/fireforget/internal/model"
)

// handleStreamEvents streams a task's event lines as server-sent events and
// ends with an "event: done" once the task finishes or the server starts
// shutting down.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	// A task records its terminal status before its stream is closed, so
	// subscribing before reading the status never misses the end.
	ch, unsub := s.engine.Broker().Subscribe(chi.URLParam(r, "id"))
	defer unsub()

	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if model.IsTerminal(task.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", task.Status)
		flush()
		return
	}

	// Event streams outlive the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flush()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
			flush()
		case <-s.stopping:
			_ = writeSSEEvent(w, "done", "server shutting down")
			flush()
			return
		case <-r.Context().Done():
			return
		}
	}
}

// eventHistoryLine is a single event line in the history response.
type eventHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// eventHistoryResponse is the JSON response for GET /v1/tasks/{id}/events/history.
type eventHistoryResponse struct {
	TaskID string             `json:"task_id"`
	Lines  []eventHistoryLine `json:"lines"`
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}

	events, err := s.store.GetEventLines(r.Context(), task.ID)
	if err != nil {
		s.logger.Error("get event lines", "task_id", task.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get event lines")
		return
	}

	lines := make([]eventHistoryLine, len(events))
	for i, e := range events {
		lines[i] = eventHistoryLine{
			Seq:       e.Seq,
			Line:      e.Line,
			CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
		}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{
		TaskID: task.ID,
		Lines:  lines,
	})
}

// writeSSEData writes one event line as an SSE data event. Embedded newlines
// become separate "data:" fields of the same event.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
