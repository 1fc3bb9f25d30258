package catalog

import (
	"context"
	"sync"
	"time"
)

// Reader serves catalog reads from the cache snapshot when one is published
// and falls back to direct store queries otherwise.
type Reader struct {
	cache   *Cache
	store   Store
	timeout time.Duration

	mu          sync.Mutex
	facetsVer   string
	facetsCache Facets
}

// NewReader creates a reader. cache may be nil.
func NewReader(c *Cache, store Store, queryTimeout time.Duration) *Reader {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &Reader{cache: c, store: store, timeout: queryTimeout}
}

// CacheConfigured reports whether a cache is wired in at all.
func (r *Reader) CacheConfigured() bool {
	return r.cache != nil
}

// View pins the current snapshot so every read of one request sees the same
// catalog version.
func (r *Reader) View() *View {
	v := &View{reader: r}
	if r.cache != nil {
		v.snap = r.cache.Snapshot()
	}
	return v
}

// View is a per-request read handle. A nil snapshot means store fallback.
type View struct {
	reader *Reader
	snap   *Snapshot
}

// Cached reports whether reads are served from a snapshot.
func (v *View) Cached() bool {
	return v.snap != nil
}

// Version returns the catalog version the view reads from.
func (v *View) Version(ctx context.Context) (string, error) {
	if v.snap != nil {
		return v.snap.Version, nil
	}
	ctx, cancel := context.WithTimeout(ctx, v.reader.timeout)
	defer cancel()
	return v.reader.store.ActiveVersion(ctx)
}

// Query returns entries matching f. Entries served from the snapshot carry
// their embeddings; store results do not.
func (v *View) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if v.snap != nil {
		return v.snap.Query(f), nil
	}
	ctx, cancel := context.WithTimeout(ctx, v.reader.timeout)
	defer cancel()
	return v.reader.store.Query(ctx, f)
}

// Nearest runs a nearest-neighbour search scoped by f.
func (v *View) Nearest(ctx context.Context, vec []float32, k int, f Filter) ([]Neighbor, error) {
	if v.snap != nil {
		return v.snap.Nearest(vec, k, f), nil
	}
	ctx, cancel := context.WithTimeout(ctx, v.reader.timeout)
	defer cancel()
	return v.reader.store.Nearest(ctx, vec, k, f)
}

// Facets returns the attribute vocabulary of the active version.
func (v *View) Facets(ctx context.Context) (Facets, error) {
	if v.snap != nil {
		return v.snap.Facets(), nil
	}
	return v.reader.storeFacets(ctx)
}

// storeFacets computes facets from the store once per active version.
func (r *Reader) storeFacets(ctx context.Context) (Facets, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	version, err := r.store.ActiveVersion(ctx)
	if err != nil {
		return Facets{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.facetsVer == version {
		return r.facetsCache, nil
	}

	_, entries, err := r.store.ListActive(ctx)
	if err != nil {
		return Facets{}, err
	}
	r.facetsCache = BuildFacets(entries)
	r.facetsVer = version
	return r.facetsCache, nil
}
