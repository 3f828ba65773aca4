package embeddings

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockEmbedder(t *testing.T) {
	ctx := context.Background()

	t.Run("deterministic for same input", func(t *testing.T) {
		m := NewMockEmbedder()

		a, err := m.EmbedText(ctx, "a dog on a beach")
		require.NoError(t, err)

		b, err := m.EmbedText(ctx, "a dog on a beach")
		require.NoError(t, err)

		assert.Equal(t, a, b)
	})

	t.Run("different inputs differ", func(t *testing.T) {
		m := NewMockEmbedder()

		a, err := m.EmbedText(ctx, "a dog")
		require.NoError(t, err)

		b, err := m.EmbedText(ctx, "a cat")
		require.NoError(t, err)

		assert.NotEqual(t, a, b)
	})

	t.Run("vectors are unit length", func(t *testing.T) {
		m := NewMockEmbedderWithDimensions(64)

		vec, err := m.EmbedImage(ctx, []byte{0xff, 0xd8, 0xff, 0x01, 0x02})
		require.NoError(t, err)
		require.Len(t, vec, 64)

		var sum float64
		for _, v := range vec {
			sum += float64(v) * float64(v)
		}

		assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
	})

	t.Run("batch split does not change output", func(t *testing.T) {
		m := NewMockEmbedder()
		images := [][]byte{[]byte("frame-1"), []byte("frame-2"), []byte("frame-3")}

		batched, err := m.EmbedImages(ctx, images)
		require.NoError(t, err)
		require.Len(t, batched, 3)

		for i, img := range images {
			single, err := m.EmbedImage(ctx, img)
			require.NoError(t, err)
			assert.Equal(t, single, batched[i], "image %d differs between batch and single call", i)
		}
	})

	t.Run("image and text share a space", func(t *testing.T) {
		m := NewMockEmbedder()

		space, err := m.Space(ctx)
		require.NoError(t, err)
		assert.Equal(t, MockSpaceID, space.ID)

		img, err := m.EmbedImage(ctx, []byte("frame"))
		require.NoError(t, err)

		txt, err := m.EmbedText(ctx, "query")
		require.NoError(t, err)

		assert.Len(t, img, space.Dimensions)
		assert.Len(t, txt, space.Dimensions)
	})

	t.Run("empty inputs rejected", func(t *testing.T) {
		m := NewMockEmbedder()

		_, err := m.EmbedText(ctx, "")
		assert.Error(t, err)

		_, err = m.EmbedImage(ctx, nil)
		assert.Error(t, err)

		_, err = m.EmbedImages(ctx, nil)
		assert.Error(t, err)
	})
}
