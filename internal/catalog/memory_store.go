package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for tests, demos and the
// "memory" database driver.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string]*memoryVersion
	active   string
	notifier Notifier
	channel  string
	now      func() time.Time
}

type memoryVersion struct {
	info    VersionInfo
	entries []Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string]*memoryVersion),
		now:      time.Now,
	}
}

// WithNotifier publishes activation events on channel.
func (s *MemoryStore) WithNotifier(n Notifier, channel string) *MemoryStore {
	s.notifier = n
	s.channel = channel
	return s
}

// ActiveVersion returns the active version name.
func (s *MemoryStore) ActiveVersion(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == "" {
		return "", ErrNoActiveVersion
	}
	return s.active, nil
}

// Query returns entries of the active version matching f, without embeddings.
func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, err := s.activeLocked()
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, e := range v.entries {
		if f.Matches(e) {
			e.Embedding = nil
			out = append(out, e)
		}
	}
	sortEntries(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Nearest ranks matching entries of the active version by cosine similarity.
func (s *MemoryStore) Nearest(ctx context.Context, vec []float32, k int, f Filter) ([]Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, err := s.activeLocked()
	if err != nil {
		return nil, err
	}

	var matching []Entry
	for _, e := range v.entries {
		if f.Matches(e) {
			matching = append(matching, e)
		}
	}
	return rankNeighbors(matching, vec, k), nil
}

// ListActive returns a copy of the active version.
func (s *MemoryStore) ListActive(ctx context.Context) (string, []Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, err := s.activeLocked()
	if err != nil {
		return "", nil, err
	}
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return s.active, out, nil
}

// LoadVersion stores entries under a new version. Versions are immutable
// once loaded; reusing a name fails with ErrVersionExists. Loading never
// changes which version is active.
func (s *MemoryStore) LoadVersion(ctx context.Context, version string, entries []Entry) error {
	if version == "" {
		return fmt.Errorf("version is required")
	}
	if len(entries) == 0 {
		return ErrEmptyVersion
	}

	normalized := make([]Entry, len(entries))
	for i, e := range entries {
		n := e.Normalized()
		n.Version = version
		normalized[i] = n
	}
	sortEntries(normalized)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[version]; ok {
		return fmt.Errorf("%w: %s", ErrVersionExists, version)
	}
	s.versions[version] = &memoryVersion{
		info: VersionInfo{
			Version:    version,
			Status:     VersionStatusLoaded,
			EntryCount: len(normalized),
			CreatedAt:  s.now(),
		},
		entries: normalized,
	}
	return nil
}

// Activate marks version active and archives the previous one.
func (s *MemoryStore) Activate(ctx context.Context, version string) error {
	s.mu.Lock()
	v, ok := s.versions[version]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	now := s.now()
	if prev, ok := s.versions[s.active]; ok && s.active != version {
		prev.info.Status = VersionStatusArchived
	}
	v.info.Status = VersionStatusActive
	v.info.ActivatedAt = &now
	s.active = version
	notifier, channel := s.notifier, s.channel
	s.mu.Unlock()

	if notifier != nil {
		if err := notifier.Publish(ctx, channel, ActivationEvent{Version: version, ActivatedAt: now}); err != nil {
			return fmt.Errorf("publish activation: %w", err)
		}
	}
	return nil
}

// Versions lists all versions, newest first.
func (s *MemoryStore) Versions(ctx context.Context) ([]VersionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]VersionInfo, 0, len(s.versions))
	for _, v := range s.versions {
		out = append(out, v.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

func (s *MemoryStore) activeLocked() (*memoryVersion, error) {
	if s.active == "" {
		return nil, ErrNoActiveVersion
	}
	v, ok := s.versions[s.active]
	if !ok {
		return nil, ErrNoActiveVersion
	}
	return v, nil
}

var _ Store = (*MemoryStore)(nil)
