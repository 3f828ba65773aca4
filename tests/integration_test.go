package tests

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidscope/vidscope/internal/api/handlers"
	"github.com/vidscope/vidscope/internal/models"
)

func doRequest(t *testing.T, env *testEnv, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, env.server.URL+path, body)
	require.NoError(t, err)

	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()

	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// uploadVideo posts a multipart upload and returns the created video and job.
func uploadVideo(t *testing.T, env *testEnv, filename string) *handlers.UploadVideoResponse {
	t.Helper()

	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)

	_, err = io.Copy(part, strings.NewReader("fake video content"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	resp := doRequest(t, env, http.MethodPost, "/v1/videos", &buf, writer.FormDataContentType())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var uploaded handlers.UploadVideoResponse
	decodeBody(t, resp, &uploaded)

	require.NotNil(t, uploaded.Video)
	require.NotNil(t, uploaded.Job)

	return &uploaded
}

// waitForState polls the video until its latest job reaches the wanted state.
func waitForState(t *testing.T, env *testEnv, videoID uuid.UUID, want models.JobState) {
	t.Helper()

	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/videos/"+videoID.String(), nil)
		if err != nil {
			return false
		}

		req.Header.Set("Authorization", "Bearer "+testAPIKey)

		resp, err := env.server.Client().Do(req)
		if err != nil {
			return false
		}

		defer resp.Body.Close()

		var video models.VideoWithState
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&video) != nil {
			return false
		}

		return video.State != nil && *video.State == want
	}, 30*time.Second, 200*time.Millisecond, "video never reached state %s", want)
}

func TestUploadIngestSearch(t *testing.T) {
	env := setupTestServer(t, true)

	uploaded := uploadVideo(t, env, "sunset.mp4")
	assert.Equal(t, models.JobStateQueued, uploaded.Job.State)
	assert.Equal(t, "mp4", uploaded.Video.Format)

	waitForState(t, env, uploaded.Video.ID, models.JobStateIndexed)

	// The mock sampler produces 10 frames one second apart.
	resp := doRequest(t, env, http.MethodGet, "/v1/jobs/"+uploaded.Job.ID.String(), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job models.IngestionJob
	decodeBody(t, resp, &job)
	assert.Equal(t, 10, job.FramesSampled)
	assert.Equal(t, 10, job.FramesIndexed)
	assert.NotNil(t, job.CompletedAt)

	t.Run("unscoped search returns ranked moments", func(t *testing.T) {
		body := `{"query": "a dog on the beach", "top_k": 5, "min_score": -1}`

		resp := doRequest(t, env, http.MethodPost, "/v1/search", strings.NewReader(body), "application/json")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result handlers.SearchResponse
		decodeBody(t, resp, &result)

		require.NotEmpty(t, result.Results)
		assert.LessOrEqual(t, len(result.Results), 5)

		for i, item := range result.Results {
			assert.Equal(t, i+1, item.Rank)
			assert.Equal(t, uploaded.Video.ID, item.VideoID)

			if i > 0 {
				assert.GreaterOrEqual(t, result.Results[i-1].Score, item.Score)
			}
		}
	})

	t.Run("scoped search to the indexed video succeeds", func(t *testing.T) {
		body := fmt.Sprintf(`{"query": "a dog", "top_k": 3, "video_id": %q, "min_score": -1}`, uploaded.Video.ID)

		resp := doRequest(t, env, http.MethodPost, "/v1/search", strings.NewReader(body), "application/json")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result handlers.SearchResponse
		decodeBody(t, resp, &result)
		assert.NotEmpty(t, result.Results)
	})

	t.Run("scoped search to an unknown video returns 404", func(t *testing.T) {
		body := fmt.Sprintf(`{"query": "a dog", "video_id": %q}`, uuid.New())

		resp := doRequest(t, env, http.MethodPost, "/v1/search", strings.NewReader(body), "application/json")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestUploadValidation(t *testing.T) {
	env := setupTestServer(t, false)

	t.Run("unsupported format is rejected", func(t *testing.T) {
		var buf bytes.Buffer

		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("file", "notes.txt")
		require.NoError(t, err)

		_, err = io.Copy(part, strings.NewReader("not a video"))
		require.NoError(t, err)
		require.NoError(t, writer.Close())

		resp := doRequest(t, env, http.MethodPost, "/v1/videos", &buf, writer.FormDataContentType())
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing file part is rejected", func(t *testing.T) {
		var buf bytes.Buffer

		writer := multipart.NewWriter(&buf)
		require.NoError(t, writer.WriteField("name", "no file here"))
		require.NoError(t, writer.Close())

		resp := doRequest(t, env, http.MethodPost, "/v1/videos", &buf, writer.FormDataContentType())
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAuthRequired(t *testing.T) {
	env := setupTestServer(t, false)

	t.Run("protected endpoint without token", func(t *testing.T) {
		resp, err := env.server.Client().Get(env.server.URL + "/v1/videos")
		require.NoError(t, err)

		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("protected endpoint with wrong token", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/videos", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer wrong-key")

		resp, err := env.server.Client().Do(req)
		require.NoError(t, err)

		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("health endpoint needs no token", func(t *testing.T) {
		resp, err := env.server.Client().Get(env.server.URL + "/health")
		require.NoError(t, err)

		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("ready endpoint needs no token", func(t *testing.T) {
		resp, err := env.server.Client().Get(env.server.URL + "/ready")
		require.NoError(t, err)

		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestCancelAndReingest(t *testing.T) {
	// No worker, so jobs stay queued until acted on.
	env := setupTestServer(t, false)

	uploaded := uploadVideo(t, env, "lecture.mov")

	t.Run("fresh job reads back before any attempt", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodGet, "/v1/jobs/"+uploaded.Job.ID.String(), nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var job models.IngestionJob
		decodeBody(t, resp, &job)
		assert.Equal(t, models.JobStateQueued, job.State)
		assert.Zero(t, job.Attempts)
		assert.Zero(t, job.FramesSampled)
		assert.Zero(t, job.FramesIndexed)
	})

	t.Run("duplicate reingest while a job is live", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodPost, "/v1/videos/"+uploaded.Video.ID.String()+"/reingest", nil, "")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("cancel the queued job", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodPost, "/v1/jobs/"+uploaded.Job.ID.String()+"/cancel", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var job models.IngestionJob
		decodeBody(t, resp, &job)
		assert.Equal(t, models.JobStateCancelled, job.State)
	})

	t.Run("cancelling again conflicts", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodPost, "/v1/jobs/"+uploaded.Job.ID.String()+"/cancel", nil, "")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("reingest after cancel creates a fresh job", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodPost, "/v1/videos/"+uploaded.Video.ID.String()+"/reingest", nil, "")
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		var job models.IngestionJob
		decodeBody(t, resp, &job)
		assert.NotEqual(t, uploaded.Job.ID, job.ID)
		assert.Equal(t, models.JobStateQueued, job.State)
	})

	t.Run("job list shows both jobs", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodGet, "/v1/jobs?video_id="+uploaded.Video.ID.String(), nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result handlers.ListJobsResponse
		decodeBody(t, resp, &result)
		assert.Len(t, result.Jobs, 2)
	})
}

func TestDeleteVideoCascades(t *testing.T) {
	env := setupTestServer(t, true)

	uploaded := uploadVideo(t, env, "meeting.mkv")
	waitForState(t, env, uploaded.Video.ID, models.JobStateIndexed)

	resp := doRequest(t, env, http.MethodDelete, "/v1/videos/"+uploaded.Video.ID.String(), nil, "")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	t.Run("video is gone", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodGet, "/v1/videos/"+uploaded.Video.ID.String(), nil, "")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("frame embeddings are gone", func(t *testing.T) {
		var count int

		err := env.db.QueryRow(t.Context(),
			"SELECT count(*) FROM frame_embeddings WHERE video_id = $1", uploaded.Video.ID,
		).Scan(&count)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("search no longer returns the video", func(t *testing.T) {
		body := `{"query": "anything", "top_k": 5, "min_score": -1}`

		resp := doRequest(t, env, http.MethodPost, "/v1/search", strings.NewReader(body), "application/json")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result handlers.SearchResponse
		decodeBody(t, resp, &result)
		assert.Empty(t, result.Results)
	})
}

func TestListVideosFiltering(t *testing.T) {
	env := setupTestServer(t, true)

	first := uploadVideo(t, env, "first.mp4")
	waitForState(t, env, first.Video.ID, models.JobStateIndexed)

	second := uploadVideo(t, env, "second.avi")
	waitForState(t, env, second.Video.ID, models.JobStateIndexed)

	t.Run("list all", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodGet, "/v1/videos", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result handlers.ListVideosResponse
		decodeBody(t, resp, &result)
		assert.Len(t, result.Videos, 2)
		assert.EqualValues(t, 2, result.Total)
	})

	t.Run("filter by state", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodGet, "/v1/videos?state=indexed", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result handlers.ListVideosResponse
		decodeBody(t, resp, &result)
		assert.Len(t, result.Videos, 2)

		resp = doRequest(t, env, http.MethodGet, "/v1/videos?state=failed", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		decodeBody(t, resp, &result)
		assert.Empty(t, result.Videos)
	})

	t.Run("pagination", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodGet, "/v1/videos?limit=1&offset=0", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result handlers.ListVideosResponse
		decodeBody(t, resp, &result)
		assert.Len(t, result.Videos, 1)
		assert.EqualValues(t, 2, result.Total)
	})
}
