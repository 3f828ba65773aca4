// reindex enqueues fresh ingestion jobs for videos that are not indexed: by
// default those whose last job was dead-lettered, or every non-live video with
// -all (e.g. after switching the embedding model). Workers process the jobs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/vidscope/vidscope/internal/apperrors"
	"github.com/vidscope/vidscope/internal/blob"
	"github.com/vidscope/vidscope/internal/config"
	"github.com/vidscope/vidscope/internal/ledger"
	"github.com/vidscope/vidscope/internal/models"
	"github.com/vidscope/vidscope/internal/queue"
	"github.com/vidscope/vidscope/internal/repository"
	"github.com/vidscope/vidscope/internal/service"
	"github.com/vidscope/vidscope/internal/vectorindex"
	"github.com/vidscope/vidscope/pkg/database"
)

const (
	exitSuccess = 0
	exitFailure = 1

	listPageSize = 200
)

func main() {
	os.Exit(run())
}

func run() int {
	all := flag.Bool("all", false, "re-enqueue every video without a live job, not only dead-lettered ones")
	dryRun := flag.Bool("dry-run", false, "list the videos that would be re-enqueued without enqueuing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)

		return exitFailure
	}

	ctx := context.Background()

	db, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, nil)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)

		return exitFailure
	}
	defer db.Close()

	blobs, err := blob.NewFilesystem(cfg.BlobDir)
	if err != nil {
		slog.Error("Failed to open blob store", "error", err)

		return exitFailure
	}

	videosRepo := repository.NewVideosRepository(db)
	jobsRepo := repository.NewIngestionJobsRepository(db)

	ingestService := service.NewIngestService(service.IngestServiceParams{
		Videos: videosRepo,
		Ledger: ledger.NewService(jobsRepo, slog.Default()),
		Queue: queue.NewPostgres(db, queue.PostgresOptions{
			VisibilityTimeout: cfg.VisibilityTimeout,
			MaxReceiveCount:   cfg.QueueMaxReceiveCount,
		}),
		Blobs:   blobs,
		Index:   vectorindex.NewPostgres(db, cfg.IndexMaxTopK),
		Options: service.IngestOptions{MaxAttempts: cfg.MaxAttempts},
		Logger:  slog.Default(),
	})

	enqueued, skipped, err := reenqueue(ctx, videosRepo, ingestService, *all, *dryRun)
	if err != nil {
		slog.Error("Reindex failed", "error", err)

		return exitFailure
	}

	slog.Info("Reindex complete", "enqueued", enqueued, "skipped", skipped, "dry_run", *dryRun)

	return exitSuccess
}

// reenqueue pages through candidate videos and enqueues a fresh job for each.
// Videos that already have a live job are counted as skipped.
func reenqueue(
	ctx context.Context,
	videos *repository.VideosRepository,
	ingest *service.IngestService,
	all, dryRun bool,
) (enqueued, skipped int, err error) {
	var stateFilter *models.JobState

	if !all {
		state := models.JobStateDeadLettered
		stateFilter = &state
	}

	for offset := 0; ; offset += listPageSize {
		page, err := videos.List(ctx, &repository.ListVideosFilters{
			State:  stateFilter,
			Limit:  listPageSize,
			Offset: offset,
		})
		if err != nil {
			return enqueued, skipped, fmt.Errorf("list videos: %w", err)
		}

		if len(page) == 0 {
			return enqueued, skipped, nil
		}

		for _, video := range page {
			if all && video.State != nil && !video.State.Terminal() {
				skipped++
				continue
			}

			if dryRun {
				slog.Info("Would re-enqueue", "video_id", video.ID, "filename", video.Filename)
				enqueued++

				continue
			}

			if _, err := ingest.ReingestVideo(ctx, video.ID); err != nil {
				if errors.Is(err, apperrors.ErrDuplicateJob) {
					skipped++
					continue
				}

				return enqueued, skipped, fmt.Errorf("re-enqueue video %s: %w", video.ID, err)
			}

			slog.Info("Re-enqueued", "video_id", video.ID, "filename", video.Filename)
			enqueued++
		}
	}
}
