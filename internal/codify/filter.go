package codify

import (
	"context"
	"sort"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/config"
)

// Level is the relaxation level a CandidateSet was found at.
type Level string

const (
	LevelFull               Level = "full"
	LevelWithoutVehicleType Level = "without_vehicle_type"
	LevelWithoutSubmodel    Level = "without_submodel"
	LevelYearOnly           Level = "year_only"
)

// Step is one rung of the relaxation ladder.
type Step struct {
	Level  Level
	Filter catalog.Filter
}

// ScoredEntry is a catalog entry that survived filtering.
type ScoredEntry struct {
	Entry       catalog.Entry
	FilterScore float64
}

// CandidateSet is the output of CandidateFilter.
type CandidateSet struct {
	Level   Level
	Filter  catalog.Filter
	Entries []ScoredEntry
	// Matched counts the entries Filter selected before MaxCandidates
	// truncation.
	Matched int
}

// Empty reports whether filtering found nothing even at year-only level.
func (s CandidateSet) Empty() bool {
	return len(s.Entries) == 0
}

// CandidateFilter narrows the active catalog using confident attributes and
// relaxes constraints until something is found.
type CandidateFilter struct {
	cfg config.FilterConfig
}

// NewCandidateFilter creates a filter.
func NewCandidateFilter(cfg config.FilterConfig) *CandidateFilter {
	return &CandidateFilter{cfg: cfg}
}

// Ladder returns the relaxation steps for fields, most constrained first.
// Steps that would repeat the previous query are omitted; the last step is
// always year-only.
func (f *CandidateFilter) Ladder(fields ExtractedFields, year int) []Step {
	full := catalog.Filter{ModelYear: year}
	if b := fields.Brand(); b.Present() && b.Confidence >= f.cfg.HighConfidence {
		full.Brand = b.String()
	}
	if s := fields.Submodel(); s.Present() && s.Confidence >= f.cfg.HighConfidence && fields.SubmodelFilterable() {
		full.Submodel = s.String()
	}
	if vt := fields.VehicleType(); vt.Present() && vt.Confidence >= f.cfg.VehicleTypeConfidence {
		full.VehicleType = vt.String()
	}

	noType := full
	noType.VehicleType = ""
	noSubmodel := noType
	noSubmodel.Submodel = ""
	yearOnly := catalog.Filter{ModelYear: year}

	candidates := []Step{
		{Level: LevelFull, Filter: full},
		{Level: LevelWithoutVehicleType, Filter: noType},
		{Level: LevelWithoutSubmodel, Filter: noSubmodel},
		{Level: LevelYearOnly, Filter: yearOnly},
	}

	steps := candidates[:1]
	for _, s := range candidates[1:] {
		if s.Filter == steps[len(steps)-1].Filter {
			continue
		}
		steps = append(steps, s)
	}
	return steps
}

// Filter queries each ladder step against view and returns the first
// non-empty set, scored and bounded by MaxCandidates. Store errors are
// returned as ExternalServiceError.
func (f *CandidateFilter) Filter(ctx context.Context, view *catalog.View, fields ExtractedFields, year int) (CandidateSet, error) {
	var last Step
	for _, step := range f.Ladder(fields, year) {
		last = step
		entries, err := view.Query(ctx, step.Filter)
		if err != nil {
			return CandidateSet{}, &ExternalServiceError{Service: "catalog", Op: "query", Err: err}
		}
		if len(entries) == 0 {
			continue
		}
		return CandidateSet{
			Level:   step.Level,
			Filter:  step.Filter,
			Entries: f.score(entries, fields),
			Matched: len(entries),
		}, nil
	}
	return CandidateSet{Level: last.Level, Filter: last.Filter}, nil
}

func (f *CandidateFilter) score(entries []catalog.Entry, fields ExtractedFields) []ScoredEntry {
	out := make([]ScoredEntry, len(entries))
	for i, e := range entries {
		out[i] = ScoredEntry{Entry: e, FilterScore: FilterScore(f.cfg.Weights, e, fields)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FilterScore != out[j].FilterScore {
			return out[i].FilterScore > out[j].FilterScore
		}
		return out[i].Entry.Code < out[j].Entry.Code
	})
	if f.cfg.MaxCandidates > 0 && len(out) > f.cfg.MaxCandidates {
		out = out[:f.cfg.MaxCandidates]
	}
	return out
}

// FilterScore is the weighted fraction of extracted attributes e agrees
// with. The year always counts and always agrees, since candidates are
// queried by exact year. The brand always counts too, so an entry agreeing
// on the year alone never scores 1. Submodel and vehicle type are left out
// of the denominator when nothing was extracted for them.
func FilterScore(w config.FilterWeights, e catalog.Entry, fields ExtractedFields) float64 {
	total := w.Year + w.Brand
	agreed := w.Year
	if b := fields.Brand(); b.Present() && b.String() == e.Brand {
		agreed += w.Brand
	}

	check := func(weight float64, f FieldConfidence, value string) {
		if !f.Present() {
			return
		}
		total += weight
		if f.String() == value {
			agreed += weight
		}
	}
	check(w.Submodel, fields.Submodel(), e.Submodel)
	check(w.VehicleType, fields.VehicleType(), e.VehicleType)

	if total == 0 {
		return 0
	}
	return clamp01(agreed / total)
}
