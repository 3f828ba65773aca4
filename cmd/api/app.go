package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vidscope/vidscope/internal/api/handlers"
	"github.com/vidscope/vidscope/internal/api/middleware"
	"github.com/vidscope/vidscope/internal/blob"
	"github.com/vidscope/vidscope/internal/config"
	"github.com/vidscope/vidscope/internal/embeddings"
	"github.com/vidscope/vidscope/internal/ledger"
	"github.com/vidscope/vidscope/internal/observability"
	"github.com/vidscope/vidscope/internal/queue"
	"github.com/vidscope/vidscope/internal/repository"
	"github.com/vidscope/vidscope/internal/service"
	"github.com/vidscope/vidscope/internal/vectorindex"
	"github.com/vidscope/vidscope/pkg/cache"
)

// uploadBodyHeadroom leaves room for multipart framing above the video size cap
// so oversized uploads get the validation 400 instead of a mid-stream cutoff.
const uploadBodyHeadroom = 16 << 20

// App holds all server dependencies and coordinates startup and shutdown.
type App struct {
	cfg           *config.Config
	db            *pgxpool.Pool
	server        *http.Server
	meterShutdown observability.MeterProviderShutdown
}

// NewApp builds and wires all components. It does not start the HTTP server;
// call Run to start and block until shutdown or failure.
func NewApp(ctx context.Context, cfg *config.Config, db *pgxpool.Pool) (*App, error) {
	var (
		meterShutdown  observability.MeterProviderShutdown
		metricsHandler http.Handler
		apiMetrics     observability.APIMetrics
		ingestMetrics  observability.IngestMetrics
		searchMetrics  observability.SearchMetrics
	)

	if cfg.MetricsEnabled {
		shutdown, handler, meter, err := observability.NewMeterProvider(ctx, observability.MeterProviderConfig{})
		if err != nil {
			return nil, fmt.Errorf("create meter provider: %w", err)
		}

		meterShutdown = shutdown
		metricsHandler = handler

		if apiMetrics, err = observability.NewAPIMetrics(meter); err != nil {
			return nil, fmt.Errorf("create api metrics: %w", err)
		}

		if ingestMetrics, err = observability.NewIngestMetrics(meter); err != nil {
			return nil, fmt.Errorf("create ingest metrics: %w", err)
		}

		if searchMetrics, err = observability.NewSearchMetrics(meter); err != nil {
			return nil, fmt.Errorf("create search metrics: %w", err)
		}
	} else {
		slog.Warn("metrics not enabled (METRICS_ENABLED=false)")
	}

	// Install TraceContextHandler so request_id appears in request-scoped logs.
	slog.SetDefault(slog.New(observability.NewTraceContextHandler(slog.Default().Handler())))

	blobs, err := blob.NewFilesystem(cfg.BlobDir)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	embedder := embeddings.NewClipClient(embeddings.ClipClientOptions{
		BaseURL:   cfg.EmbeddingServiceURL,
		BatchSize: cfg.EmbeddingBatchSize,
		Timeout:   cfg.EmbeddingTimeout,
	})

	index := vectorindex.NewPostgres(db, cfg.IndexMaxTopK)
	if err := verifyIndexSpace(ctx, index, embedder); err != nil {
		return nil, err
	}

	videosRepo := repository.NewVideosRepository(db)
	jobsRepo := repository.NewIngestionJobsRepository(db)
	jobLedger := ledger.NewService(jobsRepo, slog.Default())
	jobQueue := queue.NewPostgres(db, queue.PostgresOptions{
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxReceiveCount:   cfg.QueueMaxReceiveCount,
	})

	ingestService := service.NewIngestService(service.IngestServiceParams{
		Videos: videosRepo,
		Ledger: jobLedger,
		Queue:  jobQueue,
		Blobs:  blobs,
		Index:  index,
		Options: service.IngestOptions{
			MaxVideoBytes:    int64(cfg.MaxVideoSizeMB) << 20,
			SupportedFormats: config.SupportedFormats,
			MaxAttempts:      cfg.MaxAttempts,
		},
		Metrics: ingestMetrics,
		Logger:  slog.Default(),
	})

	queryCache, err := cache.NewLoaderCache[[]float32](cfg.SearchCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create search query cache: %w", err)
	}

	searchService := service.NewSearchService(service.SearchServiceParams{
		Embedder:   embedder,
		Index:      index,
		Videos:     videosRepo,
		QueryCache: queryCache,
		Options: service.SearchOptions{
			ClusterWindow: cfg.SearchClusterWindow,
			MinScore:      cfg.SearchMinScore,
			Oversample:    cfg.SearchOversample,
			MaxTopK:       cfg.IndexMaxTopK,
		},
		Metrics: searchMetrics,
		Logger:  slog.Default(),
	})

	server := newHTTPServer(cfg, serverHandlers{
		health:  handlers.NewHealthHandler(db),
		videos:  handlers.NewVideosHandler(ingestService),
		jobs:    handlers.NewJobsHandler(ingestService),
		search:  handlers.NewSearchHandler(searchService),
		metrics: metricsHandler,
	}, apiMetrics)

	return &App{
		cfg:           cfg,
		db:            db,
		server:        server,
		meterShutdown: meterShutdown,
	}, nil
}

// verifyIndexSpace fails startup when the index is configured for a different
// vector space than the embedder produces; queries against a mismatched space
// return garbage scores.
func verifyIndexSpace(ctx context.Context, index vectorindex.Index, embedder embeddings.Embedder) error {
	space, err := embedder.Space(ctx)
	if err != nil {
		return fmt.Errorf("probe embedder space: %w", err)
	}

	indexCfg, err := index.Config(ctx)
	if err != nil {
		return fmt.Errorf("read index config: %w", err)
	}

	if err := vectorindex.CheckCompatibility(indexCfg, space.ID, space.Dimensions); err != nil {
		return err
	}

	return nil
}

type serverHandlers struct {
	health  *handlers.HealthHandler
	videos  *handlers.VideosHandler
	jobs    *handlers.JobsHandler
	search  *handlers.SearchHandler
	metrics http.Handler
}

// newHTTPServer builds the HTTP server and muxes (no auth on /health, /ready,
// /metrics; API key on /v1/ when configured).
func newHTTPServer(cfg *config.Config, h serverHandlers, apiMetrics observability.APIMetrics) *http.Server {
	public := http.NewServeMux()
	public.HandleFunc("GET /health", h.health.Check)
	public.HandleFunc("GET /ready", h.health.Ready)

	if h.metrics != nil {
		public.Handle("GET /metrics", h.metrics)
	}

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/videos", h.videos.Upload)
	protected.HandleFunc("GET /v1/videos", h.videos.List)
	protected.HandleFunc("GET /v1/videos/{id}", h.videos.Get)
	protected.HandleFunc("DELETE /v1/videos/{id}", h.videos.Delete)
	protected.HandleFunc("POST /v1/videos/{id}/reingest", h.videos.Reingest)

	protected.HandleFunc("GET /v1/jobs", h.jobs.List)
	protected.HandleFunc("GET /v1/jobs/{id}", h.jobs.Get)
	protected.HandleFunc("POST /v1/jobs/{id}/cancel", h.jobs.Cancel)

	protected.HandleFunc("POST /v1/search", h.search.Search)

	maxBody := int64(cfg.MaxVideoSizeMB)<<20 + uploadBodyHeadroom
	protectedHandler := middleware.MaxBody(maxBody)(protected)
	protectedHandler = middleware.Auth(cfg.APIKey)(protectedHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedHandler)
	mux.Handle("/", public)

	handler := middleware.Metrics(apiMetrics)(mux)
	handler = middleware.RequestID(handler)

	const (
		readTimeout  = 10 * time.Minute
		writeTimeout = 2 * time.Minute
		idleTimeout  = 60 * time.Second
	)

	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled (e.g. signal)
// or the server fails. Caller should then call Shutdown.
func (a *App) Run(ctx context.Context) error {
	runErr := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "port", a.cfg.Port)

		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case runErr <- fmt.Errorf("server: %w", err):
			default:
			}
		}
	}()

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the server and the meter provider. Call after Run returns.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	if err != nil {
		err = fmt.Errorf("server shutdown: %w", err)
	}

	if a.meterShutdown != nil {
		if mErr := a.meterShutdown.Shutdown(ctx); mErr != nil {
			if err == nil {
				err = fmt.Errorf("meter provider shutdown: %w", mErr)
			} else {
				slog.Error("shutdown meter provider", "error", mErr)
			}
		}
	}

	return err
}
