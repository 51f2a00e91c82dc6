package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/factorhub/factorhub/internal/queue"
	"github.com/factorhub/factorhub/internal/tasks"
)

// evaluationRequest is the submit-evaluation body.
type evaluationRequest struct {
	FactorID string   `json:"factor_id"`
	Universe []string `json:"universe"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
	Owner    string   `json:"owner"`
}

// handleSubmitEvaluation enqueues a factor evaluation task.
func (s *Server) handleSubmitEvaluation(w http.ResponseWriter, r *http.Request) {
	var req evaluationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.FactorID == "" {
		s.writeError(w, http.StatusBadRequest, "factor_id is required")
		return
	}
	if len(req.Universe) == 0 {
		s.writeError(w, http.StatusBadRequest, "universe is required")
		return
	}
	if req.Owner == "" {
		s.writeError(w, http.StatusBadRequest, "owner is required")
		return
	}
	for _, field := range []struct{ name, value string }{{"start", req.Start}, {"end", req.End}} {
		if _, err := time.Parse("2006-01-02", field.value); err != nil {
			s.writeError(w, http.StatusBadRequest, field.name+" must be a YYYY-MM-DD date")
			return
		}
	}

	universe := make([]any, len(req.Universe))
	for i, symbol := range req.Universe {
		universe[i] = symbol
	}

	taskID := uuid.NewString()
	job := &queue.Job{
		ID:     uuid.NewString(),
		Type:   queue.JobTypeEvaluation,
		TaskID: taskID,
		Payload: map[string]any{
			"factor_id": req.FactorID,
			"universe":  universe,
			"start":     req.Start,
			"end":       req.End,
			"owner":     req.Owner,
		},
		MaxRetries: s.cfg.Admission.MaxRetries,
	}

	if err := s.pool.Submit(r.Context(), job, req.FactorID, req.Owner); err != nil {
		s.log.Error().Err(err).Str("factor_id", req.FactorID).Msg("Failed to submit evaluation")
		s.writeError(w, http.StatusInternalServerError, "failed to submit evaluation")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  string(tasks.StatusPending),
	})
}

// handleListTasks returns tasks, optionally filtered by status.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	var (
		list []tasks.Task
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		list, err = s.tasks.QueryByStatus(tasks.Status(status))
		if len(list) > limit {
			list = list[:limit]
		}
	} else {
		list, err = s.tasks.Recent(limit)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list tasks")
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"tasks": list,
		"count": len(list),
	})
}

// handleGetTask returns one task by id.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.tasks.Get(id)
	if err != nil {
		s.log.Error().Err(err).Str("task_id", id).Msg("Failed to load task")
		s.writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	if task == nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}

// handleGetLimiter reports a limiter's current occupancy.
func (s *Server) handleGetLimiter(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":           name,
		"current_count":  s.limiter.CurrentCount(r.Context(), name),
		"max_concurrent": s.cfg.Admission.MaxConcurrent,
	})
}

// handleResetLimiter clears a limiter's counter and leases. Operational
// escape hatch for when leases and reality have drifted apart.
func (s *Server) handleResetLimiter(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := s.limiter.Reset(r.Context(), name); err != nil {
		s.log.Error().Err(err).Str("limiter", name).Msg("Failed to reset limiter")
		s.writeError(w, http.StatusInternalServerError, "failed to reset limiter")
		return
	}

	s.log.Warn().Str("limiter", name).Msg("Limiter reset via API")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":          name,
		"current_count": 0,
	})
}

// handleGetFactorMetrics returns the aggregated metrics for one factor.
func (s *Server) handleGetFactorMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	metrics, err := s.results.GetMetrics(id)
	if err != nil {
		s.log.Error().Err(err).Str("factor_id", id).Msg("Failed to load factor metrics")
		s.writeError(w, http.StatusInternalServerError, "failed to load factor metrics")
		return
	}
	if metrics == nil {
		s.writeError(w, http.StatusNotFound, "no metrics for factor")
		return
	}

	s.writeJSON(w, http.StatusOK, metrics)
}

// handleRecentEvents returns the recent event ring, newest last.
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be positive")
			return
		}
		limit = parsed
	}

	list := s.bus.Recent(limit)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
	})
}
