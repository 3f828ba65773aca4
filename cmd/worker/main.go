package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/vidscope/vidscope/internal/blob"
	"github.com/vidscope/vidscope/internal/config"
	"github.com/vidscope/vidscope/internal/embeddings"
	"github.com/vidscope/vidscope/internal/ledger"
	"github.com/vidscope/vidscope/internal/observability"
	"github.com/vidscope/vidscope/internal/queue"
	"github.com/vidscope/vidscope/internal/repository"
	"github.com/vidscope/vidscope/internal/sampler"
	"github.com/vidscope/vidscope/internal/vectorindex"
	"github.com/vidscope/vidscope/internal/worker"
	"github.com/vidscope/vidscope/pkg/database"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)

	if err := run(ctx, cfg); err != nil {
		slog.Error("Worker error", "error", err)
		os.Exit(1)
	}

	slog.Info("Worker exited")
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, &database.PoolConfig{
		MaxConns:        cfg.DatabaseMaxConns,
		MinConns:        cfg.DatabaseMinConns,
		MaxConnLifetime: cfg.DatabaseMaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	blobs, err := blob.NewFilesystem(cfg.BlobDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	embedder := embeddings.NewClipClient(embeddings.ClipClientOptions{
		BaseURL:   cfg.EmbeddingServiceURL,
		BatchSize: cfg.EmbeddingBatchSize,
		Timeout:   cfg.EmbeddingTimeout,
	})

	space, err := embedder.Space(ctx)
	if err != nil {
		return fmt.Errorf("probe embedder space: %w", err)
	}

	index := vectorindex.NewPostgres(db, cfg.IndexMaxTopK)

	indexCfg, err := index.Config(ctx)
	if err != nil {
		return fmt.Errorf("read index config: %w", err)
	}

	if err := vectorindex.CheckCompatibility(indexCfg, space.ID, space.Dimensions); err != nil {
		return err
	}

	jobQueue := queue.NewPostgres(db, queue.PostgresOptions{
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxReceiveCount:   cfg.QueueMaxReceiveCount,
	})

	var (
		ingestMetrics  observability.IngestMetrics
		metricsHandler http.Handler
		meterShutdown  observability.MeterProviderShutdown
	)

	if cfg.MetricsEnabled {
		shutdown, handler, meter, err := observability.NewMeterProvider(ctx, observability.MeterProviderConfig{
			ServiceName: "vidscope-worker",
		})
		if err != nil {
			return fmt.Errorf("create meter provider: %w", err)
		}

		meterShutdown = shutdown
		metricsHandler = handler

		if ingestMetrics, err = observability.NewIngestMetrics(meter); err != nil {
			return fmt.Errorf("create ingest metrics: %w", err)
		}

		if err := observability.RegisterQueueDepthGauge(meter, jobQueue.Depth); err != nil {
			return fmt.Errorf("register queue depth gauge: %w", err)
		}
	} else {
		slog.Warn("metrics not enabled (METRICS_ENABLED=false)")
	}

	videosRepo := repository.NewVideosRepository(db)
	jobsRepo := repository.NewIngestionJobsRepository(db)
	jobLedger := ledger.NewService(jobsRepo, slog.Default())

	smp := sampler.NewFFmpeg(sampler.Options{
		IntervalSeconds: cfg.SampleInterval,
		MinFrames:       cfg.SamplerMinFrames,
		MaxFrames:       cfg.SamplerMaxFrames,
		FrameWidth:      cfg.SamplerFrameWidth,
		FailureFrac:     cfg.SamplerFailureFrac,
	}, slog.Default())

	var limiter *rate.Limiter
	if cfg.EmbeddingRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.EmbeddingRateLimit), 1)
	}

	pipeline := worker.NewPipeline(
		blobs,
		smp,
		embedder,
		vectorindex.NewWriter(index, cfg.UpsertBatchSize, slog.Default()),
		videosRepo,
		worker.PipelineOptions{
			BatchSize: cfg.EmbeddingBatchSize,
			Limiter:   limiter,
		},
		slog.Default(),
	)

	distributor := worker.NewDistributor(jobQueue, jobLedger, pipeline, worker.DistributorOptions{
		Concurrency:       cfg.WorkerConcurrency,
		ReceiveBatchSize:  cfg.ReceiveBatchSize,
		ReceiveWaitTime:   cfg.ReceiveWaitTime,
		VisibilityTimeout: cfg.VisibilityTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, ingestMetrics, slog.Default())

	server := newMetricsServer(cfg.Port, metricsHandler)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server error", "error", err)
		}
	}()

	slog.Info("Starting worker",
		"concurrency", cfg.WorkerConcurrency,
		"space", space.ID,
		"dimensions", space.Dimensions,
	)

	distributor.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Metrics server shutdown", "error", err)
	}

	if meterShutdown != nil {
		if err := meterShutdown.Shutdown(shutdownCtx); err != nil {
			slog.Error("Meter provider shutdown", "error", err)
		}
	}

	return nil
}

// newMetricsServer serves liveness and Prometheus scrapes for the worker
// process. metricsHandler may be nil when metrics are disabled.
func newMetricsServer(port string, metricsHandler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	return &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// setupLogging configures slog with the specified log level.
func setupLogging(level string) {
	var logLevel slog.Level

	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
