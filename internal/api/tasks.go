package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/fireforget/internal/background"
	"github.com/seantiz/fireforget/internal/engine"
	"github.com/seantiz/fireforget/internal/handler"
	"github.com/seantiz/fireforget/internal/model"
	"github.com/seantiz/fireforget/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxTimeoutS      = 3600
	maxBodySize      = 1 << 20 // 1 MB
)

// createTaskRequest is the JSON body for POST /v1/tasks.
type createTaskRequest struct {
	Kind     string          `json:"kind"`
	Input    json.RawMessage `json:"input"`
	TimeoutS *int            `json:"timeout_s"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// handleCreateTask accepts a task and returns before it runs.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if req.TimeoutS != nil && (*req.TimeoutS <= 0 || *req.TimeoutS > maxTimeoutS) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("timeout_s must be between 1 and %d", maxTimeoutS))
		return
	}
	if err := s.engine.Validate(req.Kind, req.Input); err != nil {
		if errors.Is(err, handler.ErrUnknownKind) || errors.Is(err, engine.ErrInvalidInput) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("validate task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to validate task")
		return
	}

	task := &model.Task{
		ID:        model.NewID(),
		Kind:      req.Kind,
		Status:    model.StatusPending,
		Input:     req.Input,
		TimeoutS:  req.TimeoutS,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.engine.Submit(r.Context(), task); err != nil {
		if errors.Is(err, background.ErrClosed) {
			s.writeError(w, http.StatusServiceUnavailable, "service is shutting down")
			return
		}
		s.logger.Error("submit task", "task_id", task.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	s.writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.store.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleCancelTask kills a task. A running task stops asynchronously, so the
// response carries the record as it stands when the kill was requested.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, store.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, "task already finished")
		default:
			s.logger.Error("cancel task", "task_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to cancel task")
		}
		return
	}

	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusAccepted, task)
}

// lookupTask loads the task named in the URL, writing the error response
// itself when it cannot.
func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (*model.Task, bool) {
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return nil, false
	}
	return task, true
}

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

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
