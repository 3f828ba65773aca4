// Package blob stores uploaded video files. The API layer writes blobs on
// upload; workers fetch them by key for sampling.
package blob

import (
	"context"
	"io"
)

// Store is a keyed blob store for video files.
type Store interface {
	// Put streams r into the blob named by key, replacing any existing blob.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Get opens the blob for reading. Returns NotFoundError if absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, key string) error
}
