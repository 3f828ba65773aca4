package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidscope/vidscope/internal/apperrors"
	"github.com/vidscope/vidscope/internal/models"
	"github.com/vidscope/vidscope/internal/repository"
)

type mockJobsService struct {
	getFunc    func(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error)
	listFunc   func(ctx context.Context, filters *repository.ListJobsFilters) ([]models.IngestionJob, error)
	cancelFunc func(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error)
}

func (m *mockJobsService) GetJob(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, id)
	}

	return nil, nil
}

func (m *mockJobsService) ListJobs(ctx context.Context, filters *repository.ListJobsFilters) ([]models.IngestionJob, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, filters)
	}

	return nil, nil
}

func (m *mockJobsService) CancelJob(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	if m.cancelFunc != nil {
		return m.cancelFunc(ctx, id)
	}

	return nil, nil
}

func TestJobsHandler_Get(t *testing.T) {
	t.Run("unknown job returns 404", func(t *testing.T) {
		mock := &mockJobsService{
			getFunc: func(_ context.Context, _ uuid.UUID) (*models.IngestionJob, error) {
				return nil, apperrors.NewNotFoundError("ingestion job", "job not found")
			},
		}
		handler := NewJobsHandler(mock)

		id := uuid.New()
		req := httptest.NewRequest(http.MethodGet, "http://test/v1/jobs/"+id.String(), nil)
		req.SetPathValue("id", id.String())

		rec := httptest.NewRecorder()
		handler.Get(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("success returns the job", func(t *testing.T) {
		id := uuid.New()
		mock := &mockJobsService{
			getFunc: func(_ context.Context, gotID uuid.UUID) (*models.IngestionJob, error) {
				assert.Equal(t, id, gotID)

				return &models.IngestionJob{ID: id, State: models.JobStateProcessing, Attempts: 2}, nil
			},
		}
		handler := NewJobsHandler(mock)

		req := httptest.NewRequest(http.MethodGet, "http://test/v1/jobs/"+id.String(), nil)
		req.SetPathValue("id", id.String())

		rec := httptest.NewRecorder()
		handler.Get(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var job models.IngestionJob

		err := json.Unmarshal(rec.Body.Bytes(), &job)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateProcessing, job.State)
		assert.Equal(t, 2, job.Attempts)
	})
}

func TestJobsHandler_List(t *testing.T) {
	t.Run("passes video_id and state filters", func(t *testing.T) {
		videoID := uuid.New()
		mock := &mockJobsService{
			listFunc: func(_ context.Context, filters *repository.ListJobsFilters) ([]models.IngestionJob, error) {
				require.NotNil(t, filters.VideoID)
				assert.Equal(t, videoID, *filters.VideoID)
				require.NotNil(t, filters.State)
				assert.Equal(t, models.JobStateFailed, *filters.State)

				return []models.IngestionJob{{ID: uuid.New(), VideoID: videoID, State: models.JobStateFailed}}, nil
			},
		}
		handler := NewJobsHandler(mock)

		req := httptest.NewRequest(http.MethodGet,
			"http://test/v1/jobs?video_id="+videoID.String()+"&state=failed", nil)

		rec := httptest.NewRecorder()
		handler.List(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ListJobsResponse

		err := json.Unmarshal(rec.Body.Bytes(), &resp)
		require.NoError(t, err)
		assert.Len(t, resp.Jobs, 1)
	})

	t.Run("invalid video_id returns 400", func(t *testing.T) {
		handler := NewJobsHandler(&mockJobsService{})

		req := httptest.NewRequest(http.MethodGet, "http://test/v1/jobs?video_id=nope", nil)

		rec := httptest.NewRecorder()
		handler.List(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestJobsHandler_Cancel(t *testing.T) {
	t.Run("terminal job returns 409", func(t *testing.T) {
		mock := &mockJobsService{
			cancelFunc: func(_ context.Context, id uuid.UUID) (*models.IngestionJob, error) {
				return nil, apperrors.NewStaleStateError(id, string(models.JobStateIndexed), string(models.JobStateCancelled))
			},
		}
		handler := NewJobsHandler(mock)

		id := uuid.New()
		req := httptest.NewRequest(http.MethodPost, "http://test/v1/jobs/"+id.String()+"/cancel", nil)
		req.SetPathValue("id", id.String())

		rec := httptest.NewRecorder()
		handler.Cancel(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("success returns the cancelled job", func(t *testing.T) {
		id := uuid.New()
		mock := &mockJobsService{
			cancelFunc: func(_ context.Context, gotID uuid.UUID) (*models.IngestionJob, error) {
				return &models.IngestionJob{ID: gotID, State: models.JobStateCancelled}, nil
			},
		}
		handler := NewJobsHandler(mock)

		req := httptest.NewRequest(http.MethodPost, "http://test/v1/jobs/"+id.String()+"/cancel", nil)
		req.SetPathValue("id", id.String())

		rec := httptest.NewRecorder()
		handler.Cancel(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var job models.IngestionJob

		err := json.Unmarshal(rec.Body.Bytes(), &job)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateCancelled, job.State)
	})
}
