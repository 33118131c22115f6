package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lei/pipeline-core/internal/pipeline"
	"github.com/lei/pipeline-core/internal/resource"
	"github.com/lei/pipeline-core/internal/service"
)

// Handlers contains HTTP handler functions
type Handlers struct {
	service *service.Service
}

// NewHandlers creates a new handlers instance
func NewHandlers(svc *service.Service) *Handlers {
	return &Handlers{service: svc}
}

// Health handles health check requests
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := h.service.HealthCheck(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// ListDefinitions handles GET /v1/definitions
func (h *Handlers) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	names := h.service.ListDefinitions(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"definitions": names,
	})
}

// TriggerPipeline handles POST /v1/pipelines
func (h *Handlers) TriggerPipeline(w http.ResponseWriter, r *http.Request) {
	log := GetLogger(r.Context())

	var req struct {
		Definition       string `json:"definition"`
		ProjectID        int64  `json:"project_id"`
		SHA              string `json:"sha"`
		Ref              string `json:"ref"`
		ParentPipelineID *int64 `json:"parent_pipeline_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if log != nil {
			log.Warn("invalid request body", "error", err)
		}
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Definition == "" {
		respondError(w, r, http.StatusBadRequest, "definition is required")
		return
	}

	p, err := h.service.TriggerPipeline(r.Context(), req.Definition, service.TriggerOptions{
		ProjectID:        req.ProjectID,
		SHA:              req.SHA,
		Ref:              req.Ref,
		ParentPipelineID: req.ParentPipelineID,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if log != nil {
		log.Info("pipeline triggered", "pipeline_id", p.ID, "definition", req.Definition)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"pipeline": p,
	})
}

// GetPipeline handles GET /v1/pipelines/{pipeline_id}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(chi.URLParam(r, "pipeline_id"))
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid pipeline_id")
		return
	}

	p, stages, coverage, err := h.service.GetPipeline(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"pipeline": p,
		"stages":   stages,
		"coverage": coverage,
	})
}

// CancelPipeline handles POST /v1/pipelines/{pipeline_id}/cancel
func (h *Handlers) CancelPipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(chi.URLParam(r, "pipeline_id"))
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid pipeline_id")
		return
	}

	if err := h.service.CancelPipeline(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPipelineJobs handles GET /v1/pipelines/{pipeline_id}/jobs
func (h *Handlers) ListPipelineJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(chi.URLParam(r, "pipeline_id"))
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid pipeline_id")
		return
	}

	jobs, err := h.service.ListJobs(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	q := r.URL.Query()
	jobs = FilterJobs(jobs,
		q.Get("search"),
		parseStatusParam(q.Get("status")),
		q.Get("stage"),
		parseBoolParam(q.Get("retried")))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs": jobs,
	})
}

// GetJob handles GET /v1/jobs/{job_id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(chi.URLParam(r, "job_id"))
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid job_id")
		return
	}

	job, err := h.service.GetJob(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"job": job,
	})
}

// GetJobDependencies handles GET /v1/jobs/{job_id}/dependencies
func (h *Handlers) GetJobDependencies(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(chi.URLParam(r, "job_id"))
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid job_id")
		return
	}

	deps, validation, err := h.service.JobDependencies(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"dependencies": deps,
		"validation":   validation,
	})
}

// RetryJob handles POST /v1/jobs/{job_id}/retry
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(chi.URLParam(r, "job_id"))
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid job_id")
		return
	}

	job, err := h.service.RetryJob(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"job": job,
	})
}

// PlayJob handles POST /v1/jobs/{job_id}/play
func (h *Handlers) PlayJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(chi.URLParam(r, "job_id"))
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid job_id")
		return
	}

	if err := h.service.PlayJob(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EraseJobArtifacts handles POST /v1/jobs/{job_id}/erase
func (h *Handlers) EraseJobArtifacts(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(chi.URLParam(r, "job_id"))
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid job_id")
		return
	}

	if err := h.service.EraseJobArtifacts(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runnerRequest is the body shared by the runner endpoints.
type runnerRequest struct {
	RunnerManagerID int64    `json:"runner_manager_id"`
	Succeeded       *bool    `json:"succeeded,omitempty"`
	Coverage        *float64 `json:"coverage,omitempty"`
}

// RequestJob handles POST /v1/runners/request_job
func (h *Handlers) RequestJob(w http.ResponseWriter, r *http.Request) {
	var req runnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RunnerManagerID <= 0 {
		respondError(w, r, http.StatusBadRequest, "runner_manager_id is required")
		return
	}

	dispatch, err := h.service.RequestJob(r.Context(), req.RunnerManagerID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if dispatch == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(dispatch)
}

// AckJob handles POST /v1/jobs/{job_id}/ack
func (h *Handlers) AckJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(chi.URLParam(r, "job_id"))
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid job_id")
		return
	}
	var req runnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.service.AckRunning(r.Context(), id, req.RunnerManagerID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HeartbeatJob handles POST /v1/jobs/{job_id}/heartbeat
func (h *Handlers) HeartbeatJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(chi.URLParam(r, "job_id"))
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid job_id")
		return
	}
	var req runnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	refreshed, err := h.service.Heartbeat(r.Context(), id, req.RunnerManagerID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"refreshed": refreshed,
	})
}

// FinishJob handles POST /v1/jobs/{job_id}/finish
func (h *Handlers) FinishJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(chi.URLParam(r, "job_id"))
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid job_id")
		return
	}
	var req runnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Succeeded == nil {
		respondError(w, r, http.StatusBadRequest, "succeeded is required")
		return
	}

	if err := h.service.FinishJob(r.Context(), id, *req.Succeeded, req.Coverage); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondError writes a JSON error response with logging
func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	log := GetLogger(r.Context())
	requestID := GetRequestID(r.Context())

	if log != nil {
		log.Error("returning error response",
			"status", status,
			"message", message,
			"request_id", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message":    message,
			"code":       status,
			"request_id": requestID,
		},
	})
}

// handleServiceError maps service errors to HTTP responses with detailed logging
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	log := GetLogger(r.Context())
	requestID := GetRequestID(r.Context())

	if log != nil {
		log.Error("service error occurred",
			"error", err.Error(),
			"error_type", fmt.Sprintf("%T", err),
			"request_id", requestID)
	}

	switch {
	case errors.Is(err, service.ErrPipelineNotFound):
		respondError(w, r, http.StatusNotFound, "pipeline not found")
	case errors.Is(err, service.ErrJobNotFound):
		respondError(w, r, http.StatusNotFound, "job not found")
	case errors.Is(err, service.ErrDefinitionNotFound):
		respondError(w, r, http.StatusNotFound, "pipeline definition not found")
	case errors.Is(err, service.ErrNotClaimed):
		respondError(w, r, http.StatusConflict, "build is not claimed by this runner manager")
	case errors.Is(err, service.ErrInvalidTransition):
		respondError(w, r, http.StatusConflict, "job is not in a state that allows this transition")
	case errors.Is(err, pipeline.ErrNotRetryable):
		respondError(w, r, http.StatusConflict, "job is not in a retryable state")
	case errors.Is(err, resource.ErrDuplicateHold):
		// A caller bug, not a contention outcome; surface loudly.
		respondError(w, r, http.StatusInternalServerError, "duplicate resource hold")
	default:
		respondError(w, r, http.StatusInternalServerError, "internal server error")
	}
}
