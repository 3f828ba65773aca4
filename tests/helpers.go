// Package tests contains end-to-end tests that exercise the HTTP API, the
// ingestion worker and the Postgres queue against a real database. Each test
// starts a disposable pgvector container, so Docker must be available; run
// with -short to skip them.
package tests

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/vidscope/vidscope/internal/api/handlers"
	"github.com/vidscope/vidscope/internal/api/middleware"
	"github.com/vidscope/vidscope/internal/blob"
	"github.com/vidscope/vidscope/pkg/cache"
	"github.com/vidscope/vidscope/internal/embeddings"
	"github.com/vidscope/vidscope/internal/ledger"
	"github.com/vidscope/vidscope/internal/queue"
	"github.com/vidscope/vidscope/internal/repository"
	"github.com/vidscope/vidscope/internal/sampler"
	"github.com/vidscope/vidscope/internal/service"
	"github.com/vidscope/vidscope/internal/vectorindex"
	"github.com/vidscope/vidscope/internal/worker"
	"github.com/vidscope/vidscope/pkg/database"
)

const (
	testAPIKey = "test-api-key-12345"

	testVisibilityTimeout = 5 * time.Second
	testMaxAttempts       = 2
)

type testEnv struct {
	server *httptest.Server
	db     *pgxpool.Pool
	ingest *service.IngestService
}

// startTestDatabase runs a pgvector container with the schema applied and
// returns a connected pool.
func startTestDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "pgvector/pgvector:pg16",
		tcpostgres.WithInitScripts(filepath.Join("..", "migrations", "schema.sql")),
		tcpostgres.WithDatabase("vidscope_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "Failed to start postgres container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.NewPostgresPool(ctx, connStr, nil)
	require.NoError(t, err, "Failed to connect to test database")

	t.Cleanup(db.Close)

	return db
}

// setupTestServer wires the full API stack against a fresh database and a
// mock embedder. When withWorker is true an ingestion distributor runs in the
// background with a mock sampler, so uploaded videos reach the indexed state.
func setupTestServer(t *testing.T, withWorker bool) *testEnv {
	t.Helper()

	ctx := context.Background()
	db := startTestDatabase(t)

	blobs, err := blob.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	embedder := embeddings.NewMockEmbedder()
	index := vectorindex.NewPostgres(db, 1000)

	idxCfg, err := index.Config(ctx)
	require.NoError(t, err)

	space, err := embedder.Space(ctx)
	require.NoError(t, err)
	require.NoError(t, vectorindex.CheckCompatibility(idxCfg, space.ID, space.Dimensions))

	jobLedger := ledger.NewService(repository.NewIngestionJobsRepository(db), slog.Default())
	jobQueue := queue.NewPostgres(db, queue.PostgresOptions{
		VisibilityTimeout: testVisibilityTimeout,
		MaxReceiveCount:   testMaxAttempts + 2,
	})

	ingestService := service.NewIngestService(service.IngestServiceParams{
		Videos:  repository.NewVideosRepository(db),
		Ledger:  jobLedger,
		Queue:   jobQueue,
		Blobs:   blobs,
		Index:   index,
		Options: service.IngestOptions{MaxAttempts: testMaxAttempts},
	})

	queryCache, err := cache.NewLoaderCache[[]float32](64)
	require.NoError(t, err)

	searchService := service.NewSearchService(service.SearchServiceParams{
		Embedder:   embedder,
		Index:      index,
		Videos:     repository.NewVideosRepository(db),
		QueryCache: queryCache,
	})

	healthHandler := handlers.NewHealthHandler(db)
	videosHandler := handlers.NewVideosHandler(ingestService)
	jobsHandler := handlers.NewJobsHandler(ingestService)
	searchHandler := handlers.NewSearchHandler(searchService)

	public := http.NewServeMux()
	public.HandleFunc("GET /health", healthHandler.Check)
	public.HandleFunc("GET /ready", healthHandler.Ready)

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/videos", videosHandler.Upload)
	protected.HandleFunc("GET /v1/videos", videosHandler.List)
	protected.HandleFunc("GET /v1/videos/{id}", videosHandler.Get)
	protected.HandleFunc("DELETE /v1/videos/{id}", videosHandler.Delete)
	protected.HandleFunc("POST /v1/videos/{id}/reingest", videosHandler.Reingest)
	protected.HandleFunc("GET /v1/jobs", jobsHandler.List)
	protected.HandleFunc("GET /v1/jobs/{id}", jobsHandler.Get)
	protected.HandleFunc("POST /v1/jobs/{id}/cancel", jobsHandler.Cancel)
	protected.HandleFunc("POST /v1/search", searchHandler.Search)

	mux := http.NewServeMux()
	mux.Handle("/v1/", middleware.Auth(testAPIKey)(protected))
	mux.Handle("/", public)

	server := httptest.NewServer(middleware.RequestID(mux))
	t.Cleanup(server.Close)

	if withWorker {
		pipeline := worker.NewPipeline(
			blobs,
			&sampler.MockSampler{},
			embedder,
			vectorindex.NewWriter(index, 100, nil),
			repository.NewVideosRepository(db),
			worker.PipelineOptions{BatchSize: 4},
			nil,
		)

		distributor := worker.NewDistributor(jobQueue, jobLedger, pipeline, worker.DistributorOptions{
			Concurrency:       2,
			ReceiveWaitTime:   200 * time.Millisecond,
			VisibilityTimeout: testVisibilityTimeout,
			HeartbeatInterval: time.Second,
		}, nil, nil)

		workerCtx, stopWorker := context.WithCancel(context.Background())
		done := make(chan struct{})

		go func() {
			defer close(done)
			distributor.Run(workerCtx)
		}()

		t.Cleanup(func() {
			stopWorker()
			<-done
		})
	}

	return &testEnv{server: server, db: db, ingest: ingestService}
}
