package catalog

import (
	"sort"
	"time"
)

// Snapshot is an immutable, fully indexed copy of one active catalog version.
// It is built off the hot path and published atomically by Cache.
type Snapshot struct {
	Version string
	BuiltAt time.Time

	entries []Entry
	byYear  map[int][]int
	byKey   map[EntryKey]int
	facets  Facets
}

// Facets is the distinct attribute vocabulary of a catalog version.
type Facets struct {
	Brands           []string
	SubmodelsByBrand map[string][]string
	VehicleTypes     []string
	Segments         []string
	// Profiles maps brand and submodel to the dominant type and segment.
	Profiles map[SubmodelKey]Profile
}

// SubmodelKey identifies a submodel within a brand.
type SubmodelKey struct {
	Brand    string
	Submodel string
}

// Profile is the dominant vehicle type and segment of a submodel.
type Profile struct {
	VehicleType string
	Segment     string
}

// NewSnapshot indexes entries. The slice is owned by the snapshot afterwards.
func NewSnapshot(version string, entries []Entry, builtAt time.Time) *Snapshot {
	sortEntries(entries)
	s := &Snapshot{
		Version: version,
		BuiltAt: builtAt,
		entries: entries,
		byYear:  make(map[int][]int),
		byKey:   make(map[EntryKey]int, len(entries)),
	}
	for i, e := range entries {
		s.byYear[e.ModelYear] = append(s.byYear[e.ModelYear], i)
		s.byKey[e.Key()] = i
	}
	s.facets = BuildFacets(entries)
	return s
}

// Len returns the number of entries.
func (s *Snapshot) Len() int { return len(s.entries) }

// Facets returns the snapshot vocabulary.
func (s *Snapshot) Facets() Facets { return s.facets }

// Query returns entries matching f, embeddings included, ordered by code.
func (s *Snapshot) Query(f Filter) []Entry {
	var idx []int
	if f.ModelYear != 0 {
		idx = s.byYear[f.ModelYear]
	} else {
		idx = make([]int, len(s.entries))
		for i := range s.entries {
			idx[i] = i
		}
	}

	var out []Entry
	for _, i := range idx {
		if f.Matches(s.entries[i]) {
			out = append(out, s.entries[i])
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
	}
	return out
}

// Lookup returns the entry with the given key.
func (s *Snapshot) Lookup(key EntryKey) (Entry, bool) {
	i, ok := s.byKey[key]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Nearest ranks entries matching f by cosine similarity to vec.
func (s *Snapshot) Nearest(vec []float32, k int, f Filter) []Neighbor {
	f.Limit = 0
	return rankNeighbors(s.Query(f), vec, k)
}

// BuildFacets derives the distinct attribute vocabulary of entries.
func BuildFacets(entries []Entry) Facets {
	brands := map[string]struct{}{}
	submodels := map[string]map[string]struct{}{}
	types := map[string]struct{}{}
	segments := map[string]struct{}{}
	typeCounts := map[SubmodelKey]map[string]int{}
	segmentCounts := map[SubmodelKey]map[string]int{}

	for _, e := range entries {
		if e.Brand != "" {
			brands[e.Brand] = struct{}{}
			if e.Submodel != "" {
				if submodels[e.Brand] == nil {
					submodels[e.Brand] = map[string]struct{}{}
				}
				submodels[e.Brand][e.Submodel] = struct{}{}
			}
		}
		if e.VehicleType != "" {
			types[e.VehicleType] = struct{}{}
		}
		if e.Segment != "" {
			segments[e.Segment] = struct{}{}
		}

		key := SubmodelKey{Brand: e.Brand, Submodel: e.Submodel}
		if e.Submodel != "" {
			if typeCounts[key] == nil {
				typeCounts[key] = map[string]int{}
				segmentCounts[key] = map[string]int{}
			}
			if e.VehicleType != "" {
				typeCounts[key][e.VehicleType]++
			}
			if e.Segment != "" {
				segmentCounts[key][e.Segment]++
			}
		}
	}

	f := Facets{
		Brands:           sortedKeys(brands),
		SubmodelsByBrand: make(map[string][]string, len(submodels)),
		VehicleTypes:     sortedKeys(types),
		Segments:         sortedKeys(segments),
		Profiles:         make(map[SubmodelKey]Profile, len(typeCounts)),
	}
	for brand, set := range submodels {
		f.SubmodelsByBrand[brand] = sortedKeys(set)
	}
	for key, counts := range typeCounts {
		f.Profiles[key] = Profile{
			VehicleType: dominant(counts),
			Segment:     dominant(segmentCounts[key]),
		}
	}
	return f
}

// dominant returns the most frequent value, ties broken alphabetically.
func dominant(counts map[string]int) string {
	best, bestCount := "", 0
	for v, n := range counts {
		if n > bestCount || (n == bestCount && v < best) {
			best, bestCount = v, n
		}
	}
	return best
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
