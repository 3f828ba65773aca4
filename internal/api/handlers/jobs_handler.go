package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/vidscope/vidscope/internal/api/response"
	"github.com/vidscope/vidscope/internal/api/validation"
	"github.com/vidscope/vidscope/internal/apperrors"
	"github.com/vidscope/vidscope/internal/models"
	"github.com/vidscope/vidscope/internal/repository"
)

// JobsService defines the interface for ingestion job business logic.
type JobsService interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error)
	ListJobs(ctx context.Context, filters *repository.ListJobsFilters) ([]models.IngestionJob, error)
	CancelJob(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error)
}

// JobsHandler handles HTTP requests for ingestion jobs.
type JobsHandler struct {
	service JobsService
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(service JobsService) *JobsHandler {
	return &JobsHandler{service: service}
}

// ListJobsQuery holds the query parameters for listing jobs.
type ListJobsQuery struct {
	VideoID *uuid.UUID       `form:"video_id"`
	State   *models.JobState `form:"state" validate:"omitempty,job_state"`
	Limit   int              `form:"limit" validate:"omitempty,gte=1,lte=1000"`
	Offset  int              `form:"offset" validate:"omitempty,gte=0"`
}

// ListJobsResponse is the paginated response for listing jobs.
type ListJobsResponse struct {
	Jobs   []models.IngestionJob `json:"jobs"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

// Get handles GET /v1/jobs/{id}
// @Summary Get an ingestion job by ID
// @Description Retrieves a single ingestion job with its state, attempt count, and frame counters
// @Tags Jobs
// @Produce json
// @Param id path string true "Job ID (UUID)"
// @Success 200 {object} models.IngestionJob
// @Failure 400 {object} ProblemDetails "Invalid UUID format"
// @Failure 404 {object} ProblemDetails "Job not found"
// @Router /v1/jobs/{id} [get]
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "Job")
	if !ok {
		return
	}

	job, err := h.service.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			response.RespondNotFound(w, "Job not found")
			return
		}
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	response.RespondJSON(w, http.StatusOK, job)
}

// List handles GET /v1/jobs
// @Summary List ingestion jobs
// @Description Lists ingestion jobs with optional filters, newest first
// @Tags Jobs
// @Produce json
// @Param video_id query string false "Filter by video ID"
// @Param state query string false "Filter by job state"
// @Param limit query int false "Number of results to return (max 1000)"
// @Param offset query int false "Number of results to skip"
// @Success 200 {object} ListJobsResponse
// @Failure 400 {object} ProblemDetails "Invalid query parameters"
// @Router /v1/jobs [get]
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	var query ListJobsQuery
	if err := validation.ValidateAndDecodeQueryParams(r, &query); err != nil {
		validation.RespondValidationError(w, err)
		return
	}

	filters := &repository.ListJobsFilters{
		VideoID: query.VideoID,
		State:   query.State,
		Limit:   query.Limit,
		Offset:  query.Offset,
	}

	jobs, err := h.service.ListJobs(r.Context(), filters)
	if err != nil {
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	response.RespondJSON(w, http.StatusOK, ListJobsResponse{
		Jobs:   jobs,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

// Cancel handles POST /v1/jobs/{id}/cancel
// @Summary Cancel an ingestion job
// @Description Cancels a queued, processing, or failed job. Terminal jobs cannot be cancelled.
// @Tags Jobs
// @Produce json
// @Param id path string true "Job ID (UUID)"
// @Success 200 {object} models.IngestionJob
// @Failure 400 {object} ProblemDetails "Invalid UUID format"
// @Failure 404 {object} ProblemDetails "Job not found"
// @Failure 409 {object} ProblemDetails "Job is already in a terminal state"
// @Router /v1/jobs/{id}/cancel [post]
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "Job")
	if !ok {
		return
	}

	job, err := h.service.CancelJob(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			response.RespondNotFound(w, "Job not found")
		case errors.Is(err, apperrors.ErrStaleState):
			response.RespondConflict(w, err.Error())
		default:
			response.RespondInternalServerError(w, "An unexpected error occurred")
		}
		return
	}

	response.RespondJSON(w, http.StatusOK, job)
}
