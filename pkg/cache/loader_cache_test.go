package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderCache_LookupCachesValues(t *testing.T) {
	c, err := NewLoaderCache[int](4)
	require.NoError(t, err)

	loads := 0
	load := func(context.Context) (int, error) {
		loads++
		return 42, nil
	}

	v, hit, err := c.Lookup(context.Background(), "k", load)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.False(t, hit)

	v, hit, err = c.Lookup(context.Background(), "k", load)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.True(t, hit)
	assert.Equal(t, 1, loads)
}

func TestLoaderCache_LoadErrorNotCached(t *testing.T) {
	c, err := NewLoaderCache[int](4)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, _, err = c.Lookup(context.Background(), "k", func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)

	v, hit, err := c.Lookup(context.Background(), "k", func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.False(t, hit)
}

func TestLoaderCache_CoalescesConcurrentLoads(t *testing.T) {
	c, err := NewLoaderCache[int](4)
	require.NoError(t, err)

	var loads atomic.Int32
	gate := make(chan struct{})

	load := func(context.Context) (int, error) {
		loads.Add(1)
		<-gate
		return 1, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.Lookup(context.Background(), "same", load)
			assert.NoError(t, err)
			assert.Equal(t, 1, v)
		}()
	}

	close(gate)
	wg.Wait()

	assert.LessOrEqual(t, loads.Load(), int32(2), "concurrent misses must coalesce")
}

func TestLoaderCache_EvictsOldest(t *testing.T) {
	c, err := NewLoaderCache[string](2)
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c"} {
		_, _, err := c.Lookup(context.Background(), k, func(context.Context) (string, error) {
			return k, nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, c.Len())
}

func TestLoaderCache_Invalidate(t *testing.T) {
	c, err := NewLoaderCache[int](4)
	require.NoError(t, err)

	loads := 0
	load := func(context.Context) (int, error) {
		loads++
		return loads, nil
	}

	_, _, err = c.Lookup(context.Background(), "k", load)
	require.NoError(t, err)

	c.Invalidate("k")

	v, hit, err := c.Lookup(context.Background(), "k", load)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, v)
}
