package codify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/config"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/embedding"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/fuzzy"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/observability"
)

var errDimensionMismatch = errors.New("embedding dimension mismatch")

// Weights are the pre-LLM score weights. They always sum to 1.
type Weights struct {
	Filter    float64
	Fuzzy     float64
	Embedding float64
}

// withoutEmbedding redistributes the embedding weight over filter and fuzzy
// in proportion to their own weights.
func (w Weights) withoutEmbedding() Weights {
	rest := w.Filter + w.Fuzzy
	if rest == 0 {
		return Weights{Filter: 0.5, Fuzzy: 0.5}
	}
	return Weights{Filter: w.Filter / rest, Fuzzy: w.Fuzzy / rest}
}

// CandidateMatcher ranks a CandidateSet by fuzzy, embedding and filter scores.
type CandidateMatcher struct {
	weights      Weights
	topK         int
	embedder     embedding.Embedder
	embedTimeout time.Duration
	logger       *observability.Logger
}

// NewCandidateMatcher creates a matcher. embedder may be nil, in which case
// every match is scored without embeddings.
func NewCandidateMatcher(cfg config.ScoringConfig, embedder embedding.Embedder, embedTimeout time.Duration, logger *observability.Logger) *CandidateMatcher {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 10
	}
	return &CandidateMatcher{
		weights: Weights{
			Filter:    cfg.FilterWeight,
			Fuzzy:     cfg.FuzzyWeight,
			Embedding: cfg.EmbeddingWeight,
		},
		topK:         topK,
		embedder:     embedder,
		embedTimeout: embedTimeout,
		logger:       logger.WithOperation("match"),
	}
}

// Match scores every entry of set against description and returns the best
// TopK candidates. When the description cannot be embedded, or the catalog
// cannot provide similarities, scoring falls back to filter and fuzzy scores
// and the embedding_unavailable degradation is reported.
func (m *CandidateMatcher) Match(ctx context.Context, view *catalog.View, set CandidateSet, description string) ([]Candidate, []Degradation) {
	if set.Empty() {
		return nil, nil
	}

	var degradations []Degradation
	weights := m.weights
	similarities, err := m.similarities(ctx, view, set, description)
	if err != nil {
		m.logger.WithContext(ctx).Warn().Err(err).Msg("Embedding scoring unavailable, using fuzzy-only scoring")
		degradations = append(degradations, DegradationEmbeddingUnavailable)
		weights = weights.withoutEmbedding()
		similarities = nil
	}

	out := make([]Candidate, len(set.Entries))
	for i, se := range set.Entries {
		entry := se.Entry
		entry.Embedding = nil

		c := Candidate{
			Entry:       entry,
			FuzzyScore:  clamp01(fuzzy.Best(description, se.Entry.Label)),
			FilterScore: clamp01(se.FilterScore),
		}
		if similarities != nil {
			c.EmbeddingScore = clamp01(similarities[se.Entry.Key()])
		}
		c.FinalScore = clamp01(weights.Filter*c.FilterScore + weights.Fuzzy*c.FuzzyScore + weights.Embedding*c.EmbeddingScore)
		out[i] = c
	}

	SortCandidates(out)
	if len(out) > m.topK {
		out = out[:m.topK]
	}
	return out, degradations
}

// similarities returns the cosine similarity of description to each entry of
// set, keyed by entry. Entries without a known similarity are absent.
func (m *CandidateMatcher) similarities(ctx context.Context, view *catalog.View, set CandidateSet, description string) (map[catalog.EntryKey]float64, error) {
	if m.embedder == nil {
		return nil, errors.New("no embedding provider configured")
	}

	embedCtx := ctx
	if m.embedTimeout > 0 {
		var cancel context.CancelFunc
		embedCtx, cancel = context.WithTimeout(ctx, m.embedTimeout)
		defer cancel()
	}
	vec, err := m.embedder.EmbedSingle(embedCtx, description)
	if err != nil {
		return nil, &ExternalServiceError{Service: "embedding", Op: "embed", Err: err}
	}

	out := make(map[catalog.EntryKey]float64, len(set.Entries))
	if view.Cached() {
		for _, se := range set.Entries {
			if len(se.Entry.Embedding) == 0 {
				continue
			}
			if len(se.Entry.Embedding) != len(vec) {
				return nil, fmt.Errorf("%w: catalog %d, query %d", errDimensionMismatch, len(se.Entry.Embedding), len(vec))
			}
			out[se.Entry.Key()] = embedding.Cosine(vec, se.Entry.Embedding)
		}
		return out, nil
	}

	// k spans the whole filter so entries kept after truncation are all
	// reachable, whatever their rank by similarity.
	k := max(set.Matched, len(set.Entries))
	neighbors, err := view.Nearest(ctx, vec, k, set.Filter)
	if err != nil {
		return nil, &ExternalServiceError{Service: "catalog", Op: "nearest", Err: err}
	}
	for _, n := range neighbors {
		out[n.Key()] = n.Similarity
	}
	return out, nil
}

// SortCandidates orders by final score descending, ties by code ascending.
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].FinalScore != cs[j].FinalScore {
			return cs[i].FinalScore > cs[j].FinalScore
		}
		return cs[i].Entry.Code < cs[j].Entry.Code
	})
}
