package vectorindex

import (
	"context"
	"log/slog"

	"github.com/vidscope/vidscope/internal/apperrors"
)

// Writer batches upserts for one ingestion job. Writes go out in fixed-size
// sub-batches to amortize round trips; a failed sub-batch is retried on its
// own and, if it fails again, reported as an IndexWriteError naming the failed
// range — the whole job's work is never thrown away for one bad sub-batch.
type Writer struct {
	index     Index
	batchSize int
	logger    *slog.Logger
}

// NewWriter creates a batched writer over the given index. batchSize <= 0
// falls back to 100.
func NewWriter(index Index, batchSize int, logger *slog.Logger) *Writer {
	if batchSize <= 0 {
		batchSize = 100
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Writer{index: index, batchSize: batchSize, logger: logger}
}

// Write upserts all entries in sub-batches. Returns the number of entries
// written. On a sub-batch failure the error covers only that range; entries
// before it are durably written and a retry of the job re-upserts them
// idempotently.
func (w *Writer) Write(ctx context.Context, entries []Entry) (int, error) {
	written := 0

	for start := 0; start < len(entries); start += w.batchSize {
		end := min(start+w.batchSize, len(entries))

		if err := w.index.Upsert(ctx, entries[start:end]); err != nil {
			w.logger.Warn("vector sub-batch write failed, retrying once",
				"start", start, "end", end, "error", err)

			if err = w.index.Upsert(ctx, entries[start:end]); err != nil {
				return written, apperrors.NewIndexWriteError(start, end, err)
			}
		}

		written += end - start
	}

	return written, nil
}
