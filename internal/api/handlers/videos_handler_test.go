package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidscope/vidscope/internal/apperrors"
	"github.com/vidscope/vidscope/internal/models"
	"github.com/vidscope/vidscope/internal/repository"
	"github.com/vidscope/vidscope/internal/service"
)

type mockVideosService struct {
	uploadFunc   func(ctx context.Context, req service.UploadRequest) (*models.Video, *models.IngestionJob, error)
	getFunc      func(ctx context.Context, id uuid.UUID) (*models.VideoWithState, error)
	listFunc     func(ctx context.Context, filters *repository.ListVideosFilters) ([]models.VideoWithState, int64, error)
	deleteFunc   func(ctx context.Context, id uuid.UUID) error
	reingestFunc func(ctx context.Context, videoID uuid.UUID) (*models.IngestionJob, error)
}

func (m *mockVideosService) UploadVideo(ctx context.Context, req service.UploadRequest) (*models.Video, *models.IngestionJob, error) {
	if m.uploadFunc != nil {
		return m.uploadFunc(ctx, req)
	}

	return nil, nil, nil
}

func (m *mockVideosService) GetVideo(ctx context.Context, id uuid.UUID) (*models.VideoWithState, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, id)
	}

	return nil, nil
}

func (m *mockVideosService) ListVideos(ctx context.Context, filters *repository.ListVideosFilters) ([]models.VideoWithState, int64, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, filters)
	}

	return nil, 0, nil
}

func (m *mockVideosService) DeleteVideo(ctx context.Context, id uuid.UUID) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, id)
	}

	return nil
}

func (m *mockVideosService) ReingestVideo(ctx context.Context, videoID uuid.UUID) (*models.IngestionJob, error) {
	if m.reingestFunc != nil {
		return m.reingestFunc(ctx, videoID)
	}

	return nil, nil
}

// multipartUpload builds a multipart request with one file field.
func multipartUpload(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "http://test/v1/videos", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return req
}

func TestVideosHandler_Upload(t *testing.T) {
	t.Run("success returns 201 with video and job", func(t *testing.T) {
		videoID := uuid.New()
		jobID := uuid.New()
		mock := &mockVideosService{
			uploadFunc: func(_ context.Context, req service.UploadRequest) (*models.Video, *models.IngestionJob, error) {
				assert.Equal(t, "beach.mp4", req.Filename)

				data, err := io.ReadAll(req.Content)
				require.NoError(t, err)
				assert.Equal(t, []byte("fake video bytes"), data)

				return &models.Video{ID: videoID, Filename: req.Filename, Format: "mp4"},
					&models.IngestionJob{ID: jobID, VideoID: videoID, State: models.JobStateQueued}, nil
			},
		}
		handler := NewVideosHandler(mock)

		rec := httptest.NewRecorder()
		handler.Upload(rec, multipartUpload(t, "beach.mp4", []byte("fake video bytes")))

		assert.Equal(t, http.StatusCreated, rec.Code)

		var resp UploadVideoResponse

		err := json.Unmarshal(rec.Body.Bytes(), &resp)
		require.NoError(t, err)
		assert.Equal(t, videoID, resp.Video.ID)
		assert.Equal(t, jobID, resp.Job.ID)
		assert.Equal(t, models.JobStateQueued, resp.Job.State)
	})

	t.Run("missing file field returns 400", func(t *testing.T) {
		handler := NewVideosHandler(&mockVideosService{})

		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		require.NoError(t, writer.WriteField("name", "beach.mp4"))
		require.NoError(t, writer.Close())

		req := httptest.NewRequest(http.MethodPost, "http://test/v1/videos", &body)
		req.Header.Set("Content-Type", writer.FormDataContentType())

		rec := httptest.NewRecorder()
		handler.Upload(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unsupported format returns 400", func(t *testing.T) {
		mock := &mockVideosService{
			uploadFunc: func(_ context.Context, _ service.UploadRequest) (*models.Video, *models.IngestionJob, error) {
				return nil, nil, apperrors.NewValidationError("filename", "unsupported format")
			},
		}
		handler := NewVideosHandler(mock)

		rec := httptest.NewRecorder()
		handler.Upload(rec, multipartUpload(t, "notes.txt", []byte("not a video")))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestVideosHandler_Get(t *testing.T) {
	t.Run("invalid UUID returns 400", func(t *testing.T) {
		handler := NewVideosHandler(&mockVideosService{})

		req := httptest.NewRequest(http.MethodGet, "http://test/v1/videos/not-a-uuid", nil)
		req.SetPathValue("id", "not-a-uuid")

		rec := httptest.NewRecorder()
		handler.Get(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown video returns 404", func(t *testing.T) {
		mock := &mockVideosService{
			getFunc: func(_ context.Context, _ uuid.UUID) (*models.VideoWithState, error) {
				return nil, apperrors.NewNotFoundError("video", "video not found")
			},
		}
		handler := NewVideosHandler(mock)

		id := uuid.New()
		req := httptest.NewRequest(http.MethodGet, "http://test/v1/videos/"+id.String(), nil)
		req.SetPathValue("id", id.String())

		rec := httptest.NewRecorder()
		handler.Get(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestVideosHandler_List(t *testing.T) {
	t.Run("invalid state filter returns 400", func(t *testing.T) {
		handler := NewVideosHandler(&mockVideosService{})

		req := httptest.NewRequest(http.MethodGet, "http://test/v1/videos?state=bogus", nil)

		rec := httptest.NewRecorder()
		handler.List(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("passes filters and returns total", func(t *testing.T) {
		mock := &mockVideosService{
			listFunc: func(_ context.Context, filters *repository.ListVideosFilters) ([]models.VideoWithState, int64, error) {
				require.NotNil(t, filters.State)
				assert.Equal(t, models.JobStateIndexed, *filters.State)
				assert.Equal(t, 25, filters.Limit)

				return []models.VideoWithState{{Video: models.Video{ID: uuid.New()}}}, 42, nil
			},
		}
		handler := NewVideosHandler(mock)

		req := httptest.NewRequest(http.MethodGet, "http://test/v1/videos?state=indexed&limit=25", nil)

		rec := httptest.NewRecorder()
		handler.List(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ListVideosResponse

		err := json.Unmarshal(rec.Body.Bytes(), &resp)
		require.NoError(t, err)
		assert.Equal(t, int64(42), resp.Total)
		assert.Len(t, resp.Videos, 1)
	})
}

func TestVideosHandler_Reingest(t *testing.T) {
	t.Run("live job returns 409", func(t *testing.T) {
		mock := &mockVideosService{
			reingestFunc: func(_ context.Context, videoID uuid.UUID) (*models.IngestionJob, error) {
				return nil, apperrors.NewDuplicateJobError(videoID)
			},
		}
		handler := NewVideosHandler(mock)

		id := uuid.New()
		req := httptest.NewRequest(http.MethodPost, "http://test/v1/videos/"+id.String()+"/reingest", nil)
		req.SetPathValue("id", id.String())

		rec := httptest.NewRecorder()
		handler.Reingest(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("success returns 202 with the new job", func(t *testing.T) {
		id := uuid.New()
		mock := &mockVideosService{
			reingestFunc: func(_ context.Context, videoID uuid.UUID) (*models.IngestionJob, error) {
				return &models.IngestionJob{ID: uuid.New(), VideoID: videoID, State: models.JobStateQueued}, nil
			},
		}
		handler := NewVideosHandler(mock)

		req := httptest.NewRequest(http.MethodPost, "http://test/v1/videos/"+id.String()+"/reingest", nil)
		req.SetPathValue("id", id.String())

		rec := httptest.NewRecorder()
		handler.Reingest(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)

		var job models.IngestionJob

		err := json.Unmarshal(rec.Body.Bytes(), &job)
		require.NoError(t, err)
		assert.Equal(t, id, job.VideoID)
	})
}

func TestVideosHandler_Delete(t *testing.T) {
	t.Run("success returns 204", func(t *testing.T) {
		deleted := false
		mock := &mockVideosService{
			deleteFunc: func(_ context.Context, _ uuid.UUID) error {
				deleted = true

				return nil
			},
		}
		handler := NewVideosHandler(mock)

		id := uuid.New()
		req := httptest.NewRequest(http.MethodDelete, "http://test/v1/videos/"+id.String(), nil)
		req.SetPathValue("id", id.String())

		rec := httptest.NewRecorder()
		handler.Delete(rec, req)

		require.True(t, deleted)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
