package codify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/config"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/embedding"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/llm"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/textnorm"
)

const testDimension = 256

var testNow = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }

// testCatalog returns entries whose embeddings come from the same hash
// embedder the tests match with.
func testCatalog(t *testing.T) []catalog.Entry {
	t.Helper()
	rows := []catalog.Entry{
		{Code: "TOY-YAR-20", Brand: "Toyota", Submodel: "Yaris", VehicleType: "Auto", Segment: "Compacto", ModelYear: 2020, Label: "Toyota Yaris Sol L"},
		{Code: "TOY-YAR-20C", Brand: "Toyota", Submodel: "Yaris", VehicleType: "Auto", Segment: "Compacto", ModelYear: 2020, Label: "Toyota Yaris Core"},
		{Code: "TOY-HIL-20", Brand: "Toyota", Submodel: "Hilux", VehicleType: "Camioneta", Segment: "Pick Up", ModelYear: 2020, Label: "Toyota Hilux Doble Cabina SR"},
		{Code: "NIS-VER-20", Brand: "Nissan", Submodel: "Versa", VehicleType: "Auto", Segment: "Sedán", ModelYear: 2020, Label: "Nissan Versa Advance"},
		{Code: "VW-JET-20", Brand: "Volkswagen", Submodel: "Jetta", VehicleType: "Auto", Segment: "Sedán", ModelYear: 2020, Label: "Volkswagen Jetta Comfortline"},
		{Code: "ITK-FT-19", Brand: "Italika", Submodel: "FT150", VehicleType: "Motocicleta", Segment: "Trabajo", ModelYear: 2019, Label: "Italika FT150"},
		{Code: "TOY-YAR-21", Brand: "Toyota", Submodel: "Yaris", VehicleType: "Auto", Segment: "Compacto", ModelYear: 2021, Label: "Toyota Yaris Sol L"},
	}

	emb := embedding.NewHashEmbedder(testDimension)
	for i := range rows {
		vec, err := emb.EmbedSingle(context.Background(), textnorm.Fold(rows[i].Label))
		require.NoError(t, err)
		rows[i].Embedding = vec
	}
	return rows
}

func testStore(t *testing.T) *catalog.MemoryStore {
	t.Helper()
	store := catalog.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.LoadVersion(ctx, "2026-05", testCatalog(t)))
	require.NoError(t, store.Activate(ctx, "2026-05"))
	return store
}

// cachedReader serves from a refreshed snapshot of store.
func cachedReader(t *testing.T, store catalog.Store) *catalog.Reader {
	t.Helper()
	c := catalog.NewCache(store, nil)
	require.NoError(t, c.Refresh(context.Background()))
	return catalog.NewReader(c, store, time.Second)
}

type pipelineOption func(*Options)

func withLLM(c llm.Completer) pipelineOption {
	return func(o *Options) { o.LLM = c }
}

func withEmbedder(e embedding.Embedder) pipelineOption {
	return func(o *Options) { o.Embedder = e }
}

func withReader(r *catalog.Reader) pipelineOption {
	return func(o *Options) { o.Reader = r }
}

func withObserver(obs Observer) pipelineOption {
	return func(o *Options) { o.Observer = obs }
}

func withRecorder(r Recorder) pipelineOption {
	return func(o *Options) { o.Recorder = r }
}

func newTestPipeline(t *testing.T, mutate func(*config.Config), opts ...pipelineOption) *Pipeline {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	o := Options{
		Config:   cfg,
		Embedder: embedding.NewHashEmbedder(testDimension),
		Now:      testNow,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Reader == nil {
		o.Reader = cachedReader(t, testStore(t))
	}

	p, err := NewPipeline(o)
	require.NoError(t, err)
	return p
}

func testVocabulary(t *testing.T) *Vocabulary {
	t.Helper()
	entries := make([]catalog.Entry, 0)
	for _, e := range testCatalog(t) {
		entries = append(entries, e.Normalized())
	}
	return NewVocabulary(catalog.BuildFacets(entries))
}

// fakeCompleter scripts LLM replies.
type fakeCompleter struct {
	mu      sync.Mutex
	calls   int
	prompts []llm.CompletionRequest
	reply   func(req llm.CompletionRequest) (string, error)
}

func replyWith(text string, err error) *fakeCompleter {
	return &fakeCompleter{reply: func(llm.CompletionRequest) (string, error) { return text, err }}
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	f.mu.Lock()
	f.calls++
	f.prompts = append(f.prompts, req)
	f.mu.Unlock()
	return f.reply(req)
}

func (f *fakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// slowEmbedder blocks on descriptions containing trigger until ctx is done.
type slowEmbedder struct {
	*embedding.HashEmbedder
	trigger string
}

func (s *slowEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, s.trigger) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.HashEmbedder.EmbedSingle(ctx, text)
}

// recordingObserver counts observations.
type recordingObserver struct {
	mu           sync.Mutex
	decisions    map[string]int
	degradations map[string]int
	stages       map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		decisions:    map[string]int{},
		degradations: map[string]int{},
		stages:       map[string]int{},
	}
}

func (r *recordingObserver) ObserveDecision(d string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions[d]++
}

func (r *recordingObserver) ObserveDegradation(d string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degradations[d]++
}

func (r *recordingObserver) ObserveStage(stage string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[stage]++
}
