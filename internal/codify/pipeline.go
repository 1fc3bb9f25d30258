package codify

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/config"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/embedding"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/llm"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/observability"
)

// Stage names reported to the Observer.
const (
	StagePreprocess = "preprocess"
	StageExtract    = "extract"
	StageFilter     = "filter"
	StageMatch      = "match"
	StageFinalize   = "finalize"
	StageDecide     = "decide"
)

// Observer receives pipeline measurements. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveDecision(decision string)
	ObserveDegradation(reason string)
	ObserveStage(stage string, d time.Duration)
}

// Recorder persists finished matches, e.g. to an audit trail.
type Recorder interface {
	RecordMatch(ctx context.Context, result MatchResult) error
}

// Options wires a Pipeline.
type Options struct {
	Config   *config.Config
	Reader   *catalog.Reader
	Embedder embedding.Embedder // optional
	LLM      llm.Completer      // optional
	Logger   *observability.Logger
	Observer Observer // optional
	Recorder Recorder // optional
	Now      func() time.Time
}

// Pipeline runs matches against the active catalog. It is safe for
// concurrent use; the only state it keeps is the vocabulary of the last
// catalog version seen.
type Pipeline struct {
	cfg        *config.Config
	reader     *catalog.Reader
	pre        *Preprocessor
	extractor  *Extractor
	filter     *CandidateFilter
	matcher    *CandidateMatcher
	finalizer  *Finalizer
	decider    *DecisionEngine
	logger     *observability.Logger
	observer   Observer
	recorder   Recorder
	vocabulary atomic.Pointer[versionedVocabulary]
}

type versionedVocabulary struct {
	version string
	vocab   *Vocabulary
}

// NewPipeline builds a pipeline from opts.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Reader == nil {
		return nil, errors.New("catalog reader is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &Pipeline{
		cfg:       cfg,
		reader:    opts.Reader,
		pre:       NewPreprocessor(opts.Now),
		extractor: NewExtractor(cfg.Extraction, opts.LLM, logger),
		filter:    NewCandidateFilter(cfg.Filter),
		matcher:   NewCandidateMatcher(cfg.Scoring, opts.Embedder, cfg.Embedding.Timeout, logger),
		finalizer: NewFinalizer(cfg.Finalizer, cfg.Filter.HighConfidence, opts.LLM, logger),
		decider:   NewDecisionEngine(cfg.Decision),
		logger:    logger.WithOperation("codify"),
		observer:  opts.Observer,
		recorder:  opts.Recorder,
	}, nil
}

// Preprocessor exposes the pipeline's input normalizer.
func (p *Pipeline) Preprocessor() *Preprocessor {
	return p.pre
}

// MatchRaw detects fields in raw and matches the result.
func (p *Pipeline) MatchRaw(ctx context.Context, raw RawInput) (MatchResult, error) {
	start := time.Now()
	in, err := p.pre.Preprocess(raw)
	p.observeStage(StagePreprocess, start)
	if err != nil {
		return MatchResult{}, err
	}
	return p.Match(ctx, in)
}

// Match resolves one vehicle. The only error returned is InvalidInputError;
// every other failure degrades into the returned MatchResult.
func (p *Pipeline) Match(ctx context.Context, in VehicleInput) (MatchResult, error) {
	start := time.Now()
	in, err := p.pre.Normalize(in)
	p.observeStage(StagePreprocess, start)
	if err != nil {
		return MatchResult{}, err
	}

	requestID := observability.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = observability.ContextWithRequestID(ctx, requestID)
	}

	r := &run{
		p:      p,
		ctx:    ctx,
		logger: p.logger.WithContext(ctx),
		result: MatchResult{
			RequestID: requestID,
			Input:     in,
			Decision:  DecisionNoMatch,
		},
	}
	r.execute()
	p.finish(ctx, r)
	return r.result, nil
}

// run carries the state of one match.
type run struct {
	p      *Pipeline
	ctx    context.Context
	logger *observability.Logger
	result MatchResult
}

func (r *run) degrade(d Degradation) {
	if r.result.Degraded(d) {
		return
	}
	r.result.Degradations = append(r.result.Degradations, d)
}

func (r *run) execute() {
	p, ctx, in := r.p, r.ctx, r.result.Input

	view := p.reader.View()
	if p.reader.CacheConfigured() && !view.Cached() {
		r.degrade(DegradationCacheMiss)
	}

	version, err := view.Version(ctx)
	if err != nil {
		r.catalogFailure(err, "resolve active version")
		return
	}
	r.result.CatalogVersion = version

	vocab, err := p.vocabularyFor(ctx, view, version)
	if err != nil {
		r.catalogFailure(err, "load vocabulary")
		return
	}

	start := time.Now()
	fields, degradations := p.extractor.Extract(ctx, in.Description, vocab)
	p.observeStage(StageExtract, start)
	r.result.ExtractedFields = fields
	for _, d := range degradations {
		r.degrade(d)
	}

	start = time.Now()
	set, err := p.filter.Filter(ctx, view, fields, in.ModelYear)
	p.observeStage(StageFilter, start)
	if err != nil {
		r.catalogFailure(err, "filter candidates")
		return
	}
	r.result.RelaxationLevel = set.Level
	if set.Empty() {
		r.degrade(DegradationCatalogEmpty)
		return
	}

	start = time.Now()
	candidates, degradations := p.matcher.Match(ctx, view, set, in.Description)
	p.observeStage(StageMatch, start)
	for _, d := range degradations {
		r.degrade(d)
	}

	if p.finalizer.Enabled() {
		start = time.Now()
		reranked, confidence, err := p.finalizer.Finalize(ctx, candidates, in.Description, fields)
		p.observeStage(StageFinalize, start)
		if err != nil {
			reason := DegradationLLMUnavailable
			if errors.Is(err, ErrMalformedResponse) {
				reason = DegradationLLMMalformed
			}
			r.logger.Warn().Err(err).Str("reason", string(reason)).Msg("Finalizer skipped")
			r.degrade(reason)
		} else {
			candidates = reranked
			r.result.ValidatorConfidence = confidence
		}
	}
	r.result.Candidates = candidates

	start = time.Now()
	top := candidates[0]
	vehicleType := top.Entry.VehicleType
	if vehicleType == "" {
		vehicleType = fields.VehicleType().String()
	}
	r.result.Confidence = top.FinalScore
	r.result.Decision = p.decider.Decide(top.FinalScore, vehicleType)
	if r.result.Decision != DecisionNoMatch {
		code := top.Entry.Code
		r.result.SuggestedCode = &code
	}
	p.observeStage(StageDecide, start)
}

// catalogFailure resolves the match to no_match. A catalog without an
// active version is empty; anything else means the catalog is unreachable.
func (r *run) catalogFailure(err error, op string) {
	reason := DegradationCatalogUnavailable
	if errors.Is(err, catalog.ErrNoActiveVersion) {
		reason = DegradationCatalogEmpty
	}
	r.logger.Warn().Err(err).Str("op", op).Str("reason", string(reason)).Msg("Catalog unavailable for match")
	r.degrade(reason)
}

func (p *Pipeline) finish(ctx context.Context, r *run) {
	res := r.result
	evt := r.logger.Info()
	if res.Decision == DecisionAutoAccept && len(res.Degradations) == 0 {
		evt = r.logger.Debug()
	}
	evt.Str("decision", string(res.Decision)).
		Score("confidence", res.Confidence).
		Int("model_year", res.Input.ModelYear).
		Str("catalog_version", res.CatalogVersion).
		Int("candidates", len(res.Candidates)).
		Interface("degradations", res.Degradations).
		Msg("Vehicle match completed")

	if p.observer != nil {
		p.observer.ObserveDecision(string(res.Decision))
		for _, d := range res.Degradations {
			p.observer.ObserveDegradation(string(d))
		}
	}
	if p.recorder != nil {
		if err := p.recorder.RecordMatch(ctx, res); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to record match")
		}
	}
}

// vocabularyFor returns the vocabulary of version, rebuilding it from the
// view's facets when the catalog version changed.
func (p *Pipeline) vocabularyFor(ctx context.Context, view *catalog.View, version string) (*Vocabulary, error) {
	if cur := p.vocabulary.Load(); cur != nil && cur.version == version {
		return cur.vocab, nil
	}
	facets, err := view.Facets(ctx)
	if err != nil {
		return nil, err
	}
	vocab := NewVocabulary(facets)
	p.vocabulary.Store(&versionedVocabulary{version: version, vocab: vocab})
	return vocab, nil
}

func (p *Pipeline) observeStage(stage string, start time.Time) {
	if p.observer != nil {
		p.observer.ObserveStage(stage, time.Since(start))
	}
}
