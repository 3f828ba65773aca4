// Package embeddings provides the cross-modal embedding capability: images and
// text mapped into one shared vector space so a text query can rank video
// frames. Both modalities go through a single Embedder so the shared-space
// invariant is a property of the type, not a convention.
package embeddings

import (
	"context"
)

// Space identifies the vector space an embedder produces: a stable identifier
// for the model family and the dimension of its vectors. The index must be
// configured for the same space or cross-modal scores are meaningless.
type Space struct {
	ID         string `json:"id"`
	Dimensions int    `json:"dimensions"`
}

// Embedder generates embeddings for images and text in a single shared vector
// space. Batching through EmbedImages is a throughput concern only: it must not
// change the numeric output for any individual image beyond floating-point
// tolerance.
type Embedder interface {
	// EmbedImage generates an embedding vector for one JPEG-encoded image.
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)

	// EmbedImages generates embedding vectors for multiple images in a batch.
	// More efficient than calling EmbedImage per frame.
	EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error)

	// EmbedText generates an embedding vector for the given text, comparable
	// to image vectors from the same embedder.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// Space reports the embedder's vector space. Implementations may need a
	// round trip to the backend on first call; the result is stable afterwards.
	Space(ctx context.Context) (Space, error)
}
