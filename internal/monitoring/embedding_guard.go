package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/embedding"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/observability"
)

// EmbeddingGuard detects catalog entries whose stored embeddings cannot be
// compared with query embeddings of the configured provider, and re-embeds
// them.
type EmbeddingGuard struct {
	logger    *observability.Logger
	embedder  embedding.Embedder
	batchSize int
}

// EmbeddingReport summarizes the embeddings of one catalog version.
type EmbeddingReport struct {
	Version    string      `json:"version"`
	Model      string      `json:"model"`
	Dimension  int         `json:"dimension"`
	Entries    int         `json:"entries"`
	Missing    int         `json:"missing"`
	Mismatched int         `json:"mismatched"`
	Dimensions map[int]int `json:"dimensions"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Healthy reports whether every entry carries a comparable embedding.
func (r EmbeddingReport) Healthy() bool {
	return r.Missing == 0 && r.Mismatched == 0
}

// NewEmbeddingGuard creates a new embedding guard.
func NewEmbeddingGuard(logger *observability.Logger, embedder embedding.Embedder, batchSize int) *EmbeddingGuard {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &EmbeddingGuard{
		logger:    logger.WithOperation("embedding_guard"),
		embedder:  embedder,
		batchSize: batchSize,
	}
}

// Check inspects the active version of store.
func (g *EmbeddingGuard) Check(ctx context.Context, store catalog.Store) (EmbeddingReport, error) {
	version, entries, err := store.ListActive(ctx)
	if err != nil {
		return EmbeddingReport{}, fmt.Errorf("list active catalog: %w", err)
	}

	report := g.Inspect(entries)
	report.Version = version

	evt := g.logger.Info()
	if !report.Healthy() {
		evt = g.logger.Warn()
	}
	evt.Str("catalog_version", version).
		Int("entries", report.Entries).
		Int("missing", report.Missing).
		Int("mismatched", report.Mismatched).
		Int("dimension", report.Dimension).
		Msg("Catalog embedding check completed")

	return report, nil
}

// Inspect summarizes entries without touching any store.
func (g *EmbeddingGuard) Inspect(entries []catalog.Entry) EmbeddingReport {
	report := EmbeddingReport{
		Model:      g.embedder.Model(),
		Dimension:  g.embedder.Dimension(),
		Entries:    len(entries),
		Dimensions: map[int]int{},
		CheckedAt:  time.Now().UTC(),
	}
	for _, e := range entries {
		switch n := len(e.Embedding); {
		case n == 0:
			report.Missing++
		case n != report.Dimension:
			report.Mismatched++
			report.Dimensions[n]++
		default:
			report.Dimensions[n]++
		}
	}
	return report
}

// Repair returns a copy of entries where every missing or mismatched
// embedding is recomputed from the folded label, in batches.
func (g *EmbeddingGuard) Repair(ctx context.Context, entries []catalog.Entry) ([]catalog.Entry, int, error) {
	out := make([]catalog.Entry, len(entries))
	copy(out, entries)

	dimension := g.embedder.Dimension()
	var pending []int
	for i, e := range out {
		if len(e.Embedding) != dimension {
			pending = append(pending, i)
		}
	}

	for start := 0; start < len(pending); start += g.batchSize {
		end := start + g.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		texts := make([]string, len(batch))
		for j, idx := range batch {
			texts[j] = out[idx].Normalized().Label
		}
		vectors, err := g.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, 0, fmt.Errorf("embed entries %d-%d: %w", start, end, err)
		}
		if len(vectors) != len(batch) {
			return nil, 0, fmt.Errorf("embed entries %d-%d: got %d vectors", start, end, len(vectors))
		}
		for j, idx := range batch {
			out[idx].Embedding = vectors[j]
		}

		g.logger.Debug().
			Int("batch_start", start).
			Int("batch_size", len(batch)).
			Msg("Re-embedded catalog entries")
	}

	return out, len(pending), nil
}
