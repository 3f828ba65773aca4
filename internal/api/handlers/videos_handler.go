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
	"github.com/vidscope/vidscope/internal/service"
)

// uploadFormMemory bounds how much of a multipart upload is held in memory
// before spilling to a temp file.
const uploadFormMemory = 32 << 20

// VideosService defines the interface for the video lifecycle business logic.
type VideosService interface {
	UploadVideo(ctx context.Context, req service.UploadRequest) (*models.Video, *models.IngestionJob, error)
	GetVideo(ctx context.Context, id uuid.UUID) (*models.VideoWithState, error)
	ListVideos(ctx context.Context, filters *repository.ListVideosFilters) ([]models.VideoWithState, int64, error)
	DeleteVideo(ctx context.Context, id uuid.UUID) error
	ReingestVideo(ctx context.Context, videoID uuid.UUID) (*models.IngestionJob, error)
}

// VideosHandler handles HTTP requests for videos.
type VideosHandler struct {
	service VideosService
}

// NewVideosHandler creates a new videos handler.
func NewVideosHandler(service VideosService) *VideosHandler {
	return &VideosHandler{service: service}
}

// UploadVideoResponse is the response for a successful upload: the stored
// video plus the ingestion job that will index it.
type UploadVideoResponse struct {
	Video *models.Video        `json:"video"`
	Job   *models.IngestionJob `json:"job"`
}

// ListVideosQuery holds the query parameters for listing videos.
type ListVideosQuery struct {
	State  *models.JobState `form:"state" validate:"omitempty,job_state"`
	Limit  int              `form:"limit" validate:"omitempty,gte=1,lte=1000"`
	Offset int              `form:"offset" validate:"omitempty,gte=0"`
}

// ListVideosResponse is the paginated response for listing videos.
type ListVideosResponse struct {
	Videos []models.VideoWithState `json:"videos"`
	Total  int64                   `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// Upload handles POST /v1/videos
// @Summary Upload a video
// @Description Stores the video and enqueues an asynchronous ingestion job. The video is visible immediately and becomes searchable once indexed.
// @Tags Videos
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Video file (mp4, avi, mov, mkv)"
// @Success 201 {object} UploadVideoResponse
// @Failure 400 {object} ProblemDetails "Missing file, unsupported format, or file too large"
// @Router /v1/videos [post]
func (h *VideosHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(uploadFormMemory); err != nil {
		response.RespondBadRequest(w, "Invalid multipart form")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		response.RespondBadRequest(w, "file field is required")
		return
	}
	defer file.Close()

	video, job, err := h.service.UploadVideo(r.Context(), service.UploadRequest{
		Filename: header.Filename,
		Size:     header.Size,
		Content:  file,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrValidation) {
			response.RespondBadRequest(w, err.Error())
			return
		}
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	response.RespondJSON(w, http.StatusCreated, UploadVideoResponse{Video: video, Job: job})
}

// Get handles GET /v1/videos/{id}
// @Summary Get a video by ID
// @Description Retrieves a video with its latest ingestion state
// @Tags Videos
// @Produce json
// @Param id path string true "Video ID (UUID)"
// @Success 200 {object} models.VideoWithState
// @Failure 400 {object} ProblemDetails "Invalid UUID format"
// @Failure 404 {object} ProblemDetails "Video not found"
// @Router /v1/videos/{id} [get]
func (h *VideosHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "Video")
	if !ok {
		return
	}

	video, err := h.service.GetVideo(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			response.RespondNotFound(w, "Video not found")
			return
		}
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	response.RespondJSON(w, http.StatusOK, video)
}

// List handles GET /v1/videos
// @Summary List videos
// @Description Lists videos with their latest ingestion state, optionally filtered by state
// @Tags Videos
// @Produce json
// @Param state query string false "Filter by ingestion state"
// @Param limit query int false "Number of results to return (max 1000)"
// @Param offset query int false "Number of results to skip"
// @Success 200 {object} ListVideosResponse
// @Failure 400 {object} ProblemDetails "Invalid query parameters"
// @Router /v1/videos [get]
func (h *VideosHandler) List(w http.ResponseWriter, r *http.Request) {
	var query ListVideosQuery
	if err := validation.ValidateAndDecodeQueryParams(r, &query); err != nil {
		validation.RespondValidationError(w, err)
		return
	}

	filters := &repository.ListVideosFilters{
		State:  query.State,
		Limit:  query.Limit,
		Offset: query.Offset,
	}

	videos, total, err := h.service.ListVideos(r.Context(), filters)
	if err != nil {
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	response.RespondJSON(w, http.StatusOK, ListVideosResponse{
		Videos: videos,
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

// Delete handles DELETE /v1/videos/{id}
// @Summary Delete a video
// @Description Deletes the video, its stored file, its index entries, and cancels any live ingestion job
// @Tags Videos
// @Param id path string true "Video ID (UUID)"
// @Success 204 "No Content"
// @Failure 400 {object} ProblemDetails "Invalid UUID format"
// @Failure 404 {object} ProblemDetails "Video not found"
// @Router /v1/videos/{id} [delete]
func (h *VideosHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "Video")
	if !ok {
		return
	}

	if err := h.service.DeleteVideo(r.Context(), id); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			response.RespondNotFound(w, "Video not found")
			return
		}
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Reingest handles POST /v1/videos/{id}/reingest
// @Summary Re-ingest a video
// @Description Enqueues a fresh ingestion job for an already uploaded video. Rejected while another job for the video is still live.
// @Tags Videos
// @Produce json
// @Param id path string true "Video ID (UUID)"
// @Success 202 {object} models.IngestionJob
// @Failure 400 {object} ProblemDetails "Invalid UUID format"
// @Failure 404 {object} ProblemDetails "Video not found"
// @Failure 409 {object} ProblemDetails "A live ingestion job already exists"
// @Router /v1/videos/{id}/reingest [post]
func (h *VideosHandler) Reingest(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "Video")
	if !ok {
		return
	}

	job, err := h.service.ReingestVideo(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			response.RespondNotFound(w, "Video not found")
		case errors.Is(err, apperrors.ErrDuplicateJob):
			response.RespondConflict(w, err.Error())
		default:
			response.RespondInternalServerError(w, "An unexpected error occurred")
		}
		return
	}

	response.RespondJSON(w, http.StatusAccepted, job)
}

// parseIDParam extracts and parses the {id} path parameter, writing a 400
// response and returning false when it is missing or malformed.
func parseIDParam(w http.ResponseWriter, r *http.Request, noun string) (uuid.UUID, bool) {
	idStr := r.PathValue("id")
	if idStr == "" {
		response.RespondBadRequest(w, noun+" ID is required")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		response.RespondBadRequest(w, "Invalid UUID format")
		return uuid.Nil, false
	}

	return id, true
}
