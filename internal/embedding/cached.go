package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/cache"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/observability"
)

// CachedEmbedder memoizes description embeddings in a cache.Client keyed by
// model and text. Cache failures never fail an embedding request.
type CachedEmbedder struct {
	inner  Embedder
	client cache.Client
	ttl    time.Duration
	logger *observability.Logger
}

// NewCachedEmbedder wraps inner with a cache.
func NewCachedEmbedder(inner Embedder, client cache.Client, ttl time.Duration, logger *observability.Logger) *CachedEmbedder {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &CachedEmbedder{inner: inner, client: client, ttl: ttl, logger: logger}
}

// Key returns the cache key used for text.
func (c *CachedEmbedder) Key(text string) string {
	hash := sha256.Sum256([]byte(c.inner.Model() + "|" + text))
	return cache.CacheKey("emb", hex.EncodeToString(hash[:16]))
}

// Embed resolves texts from the cache in one round trip and embeds the
// misses in one provider call.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = c.Key(text)
	}

	cached, err := c.client.GetMany(ctx, keys)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Embedding cache read failed")
		cached = nil
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if i < len(cached) && cached[i] != nil {
			if vec, decErr := decodeVector(cached[i]); decErr == nil {
				out[i] = vec
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedding provider returned %d vectors for %d texts", len(vecs), len(missTexts))
	}

	fresh := make(map[string][]byte, len(missIdx))
	for j, idx := range missIdx {
		out[idx] = vecs[j]
		fresh[keys[idx]] = encodeVector(vecs[j])
	}
	if err := c.client.SetMany(ctx, fresh, c.ttl); err != nil {
		c.logger.Warn().Err(err).Msg("Embedding cache write failed")
	}
	return out, nil
}

// EmbedSingle embeds one text through the cache.
func (c *CachedEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Model returns the wrapped model name.
func (c *CachedEmbedder) Model() string { return c.inner.Model() }

// Dimension returns the wrapped dimension.
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid cached vector length %d", len(data))
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return v, nil
}

var _ Embedder = (*CachedEmbedder)(nil)
