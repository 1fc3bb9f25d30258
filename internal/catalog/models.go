// Package catalog provides the versioned vehicle catalog: entry model, stores,
// and the atomically swapped in-memory cache that backs candidate filtering
// and matching.
package catalog

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/embedding"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/textnorm"
)

// Common errors
var (
	ErrNoActiveVersion = errors.New("no active catalog version")
	ErrVersionNotFound = errors.New("catalog version not found")
	ErrEmptyVersion    = errors.New("catalog version has no entries")
	ErrVersionExists   = errors.New("catalog version already loaded")
)

// VersionStatus is the lifecycle state of a catalog version.
type VersionStatus string

const (
	VersionStatusLoaded   VersionStatus = "loaded"
	VersionStatusActive   VersionStatus = "active"
	VersionStatusArchived VersionStatus = "archived"
)

// Entry is one classification row of the reference catalog.
type Entry struct {
	Code        string    `json:"code"`
	Brand       string    `json:"brand"`
	Submodel    string    `json:"submodel"`
	VehicleType string    `json:"vehicle_type"`
	Segment     string    `json:"segment"`
	ModelYear   int       `json:"model_year"`
	Label       string    `json:"label"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Version     string    `json:"catalog_version"`
}

// Normalized returns a copy with attributes folded to their comparable form.
// An empty label is derived from brand and submodel.
func (e Entry) Normalized() Entry {
	e.Brand = textnorm.Fold(e.Brand)
	e.Submodel = textnorm.Fold(e.Submodel)
	e.VehicleType = textnorm.Fold(e.VehicleType)
	e.Segment = textnorm.Fold(e.Segment)
	e.Label = textnorm.Fold(e.Label)
	if e.Label == "" {
		e.Label = textnorm.Fold(e.Brand + " " + e.Submodel)
	}
	return e
}

// VersionInfo describes a stored catalog version.
type VersionInfo struct {
	Version     string        `json:"version"`
	Status      VersionStatus `json:"status"`
	EntryCount  int           `json:"entry_count"`
	CreatedAt   time.Time     `json:"created_at"`
	ActivatedAt *time.Time    `json:"activated_at,omitempty"`
}

// Filter constrains a catalog query. Zero values leave an attribute
// unconstrained; ModelYear is always applied when non-zero.
type Filter struct {
	ModelYear   int
	Brand       string
	Submodel    string
	VehicleType string
	Limit       int
}

// Matches reports whether e satisfies every set constraint.
func (f Filter) Matches(e Entry) bool {
	if f.ModelYear != 0 && e.ModelYear != f.ModelYear {
		return false
	}
	if f.Brand != "" && e.Brand != f.Brand {
		return false
	}
	if f.Submodel != "" && e.Submodel != f.Submodel {
		return false
	}
	if f.VehicleType != "" && e.VehicleType != f.VehicleType {
		return false
	}
	return true
}

// Neighbor is a nearest-neighbour hit.
type Neighbor struct {
	Code       string
	ModelYear  int
	Similarity float64
}

// Key identifies an entry within a version.
func (n Neighbor) Key() EntryKey { return EntryKey{Code: n.Code, ModelYear: n.ModelYear} }

// EntryKey identifies an entry within a version.
type EntryKey struct {
	Code      string
	ModelYear int
}

// Key returns the entry's identity within its version.
func (e Entry) Key() EntryKey { return EntryKey{Code: e.Code, ModelYear: e.ModelYear} }

// Store is the catalog store capability contract. Query, Nearest and
// ListActive are scoped to the single ACTIVE version.
type Store interface {
	ActiveVersion(ctx context.Context) (string, error)
	// Query returns matching entries without embeddings, ordered by code.
	Query(ctx context.Context, f Filter) ([]Entry, error)
	// Nearest returns up to k entries matching f ranked by cosine similarity to vec.
	Nearest(ctx context.Context, vec []float32, k int, f Filter) ([]Neighbor, error)
	// ListActive returns the full active version including embeddings.
	ListActive(ctx context.Context) (string, []Entry, error)
	LoadVersion(ctx context.Context, version string, entries []Entry) error
	Activate(ctx context.Context, version string) error
	Versions(ctx context.Context) ([]VersionInfo, error)
}

// Notifier broadcasts catalog lifecycle events.
type Notifier interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// ActivationEvent is published when a version becomes active.
type ActivationEvent struct {
	Version     string    `json:"version"`
	ActivatedAt time.Time `json:"activated_at"`
}

// rankNeighbors scores entries against vec and keeps the best k, ties by code.
func rankNeighbors(entries []Entry, vec []float32, k int) []Neighbor {
	out := make([]Neighbor, 0, len(entries))
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			continue
		}
		out = append(out, Neighbor{
			Code:       e.Code,
			ModelYear:  e.ModelYear,
			Similarity: embedding.Cosine(vec, e.Embedding),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Code < out[j].Code
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Code != entries[j].Code {
			return entries[i].Code < entries[j].Code
		}
		return entries[i].ModelYear < entries[j].ModelYear
	})
}
