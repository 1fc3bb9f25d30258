package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/cache"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(256)
	ctx := context.Background()

	a, err := e.EmbedSingle(ctx, "toyota yaris sol l")
	require.NoError(t, err)
	b, err := e.EmbedSingle(ctx, "toyota yaris sol l")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, Cosine(a, b), 1e-6)

	c, err := e.EmbedSingle(ctx, "nissan versa")
	require.NoError(t, err)
	assert.Less(t, Cosine(a, c), Cosine(a, b))
}

func TestCosine_EdgeCases(t *testing.T) {
	assert.Equal(t, 0.0, Cosine(nil, nil))
	assert.Equal(t, 0.0, Cosine([]float32{1, 0}, []float32{1}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}

type countingEmbedder struct {
	*HashEmbedder
	calls atomic.Int32
	fail  bool
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	if c.fail {
		return nil, errors.New("provider down")
	}
	return c.HashEmbedder.Embed(ctx, texts)
}

func (c *countingEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func TestCachedEmbedder_HitsCache(t *testing.T) {
	store := cache.NewMemoryClient(100)
	defer store.Close()

	inner := &countingEmbedder{HashEmbedder: NewHashEmbedder(64)}
	cached := NewCachedEmbedder(inner, store, time.Hour, nil)
	ctx := context.Background()

	first, err := cached.EmbedSingle(ctx, "chevrolet aveo")
	require.NoError(t, err)
	second, err := cached.EmbedSingle(ctx, "chevrolet aveo")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())

	// Mixed hits and misses go to the provider once.
	vecs, err := cached.Embed(ctx, []string{"chevrolet aveo", "kia rio"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, first, vecs[0])
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachedEmbedder_PropagatesProviderError(t *testing.T) {
	store := cache.NewMemoryClient(10)
	defer store.Close()

	cached := NewCachedEmbedder(&countingEmbedder{HashEmbedder: NewHashEmbedder(8), fail: true}, store, 0, nil)
	_, err := cached.EmbedSingle(context.Background(), "x")
	assert.Error(t, err)
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0.25, -1, 3.5}
	got, err := decodeVector(encodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
