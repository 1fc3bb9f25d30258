package codify

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/config"
)

func fieldsOf(brand string, brandConf float64, submodel string, subConf float64, vt string, vtConf float64) ExtractedFields {
	m := map[Attribute]FieldConfidence{}
	if brand != "" {
		m[AttrBrand] = newField(brand, brandConf, MethodFuzzy)
	}
	if submodel != "" {
		m[AttrSubmodel] = newField(submodel, subConf, MethodFuzzy)
	}
	if vt != "" {
		m[AttrVehicleType] = newField(vt, vtConf, MethodKeyword)
	}
	return NewExtractedFields("", m)
}

// failingStore fails every read.
type failingStore struct {
	catalog.Store
	err error
}

func (f failingStore) ActiveVersion(ctx context.Context) (string, error) { return "v1", nil }

func (f failingStore) Query(ctx context.Context, _ catalog.Filter) ([]catalog.Entry, error) {
	return nil, f.err
}

func (f failingStore) ListActive(ctx context.Context) (string, []catalog.Entry, error) {
	return "", nil, f.err
}

func (f failingStore) Nearest(ctx context.Context, _ []float32, _ int, _ catalog.Filter) ([]catalog.Neighbor, error) {
	return nil, f.err
}

func TestCandidateFilter_Ladder(t *testing.T) {
	f := NewCandidateFilter(config.DefaultConfig().Filter)

	steps := f.Ladder(fieldsOf("toyota", 1.0, "yaris", 1.0, "auto", 0.8), 2020)
	require.Len(t, steps, 4)
	assert.Equal(t, catalog.Filter{ModelYear: 2020, Brand: "toyota", Submodel: "yaris", VehicleType: "auto"}, steps[0].Filter)
	assert.Equal(t, LevelWithoutVehicleType, steps[1].Level)
	assert.Equal(t, catalog.Filter{ModelYear: 2020, Brand: "toyota", Submodel: "yaris"}, steps[1].Filter)
	assert.Equal(t, catalog.Filter{ModelYear: 2020, Brand: "toyota"}, steps[2].Filter)
	assert.Equal(t, LevelYearOnly, steps[3].Level)
	assert.Equal(t, catalog.Filter{ModelYear: 2020}, steps[3].Filter)

	// Low confidence attributes are not constraints, so fewer steps remain.
	steps = f.Ladder(fieldsOf("toyota", 0.85, "yaris", 1.0, "auto", 0.6), 2020)
	require.Len(t, steps, 1)
	assert.Equal(t, LevelFull, steps[0].Level)
	assert.Equal(t, catalog.Filter{ModelYear: 2020}, steps[0].Filter)
}

func TestCandidateFilter_SubmodelFilterIffExactBrand(t *testing.T) {
	f := NewCandidateFilter(config.DefaultConfig().Filter)
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 1000; i++ {
		brandConf := r.Float64()
		switch r.Intn(3) {
		case 0:
			brandConf = 1.0
		case 1:
			brandConf = 0.9 + r.Float64()*0.0999
		}
		fields := fieldsOf("toyota", brandConf, "yaris", 1.0, "", 0)

		steps := f.Ladder(fields, 2020)
		filtered := steps[0].Filter.Submodel != ""
		assert.Equal(t, brandConf == 1.0, filtered, "brand confidence %v", brandConf)
		assert.Equal(t, brandConf == 1.0, fields.SubmodelFilterable())
	}
}

func TestCandidateFilter_RelaxationIsMonotonic(t *testing.T) {
	view := catalog.NewReader(nil, testStore(t), time.Second).View()
	f := NewCandidateFilter(config.DefaultConfig().Filter)
	ctx := context.Background()

	cases := []ExtractedFields{
		fieldsOf("toyota", 1.0, "yaris", 1.0, "auto", 0.8),
		fieldsOf("toyota", 1.0, "hilux", 1.0, "auto", 0.9),
		fieldsOf("nissan", 0.95, "versa", 1.0, "camioneta", 0.7),
		fieldsOf("italika", 1.0, "ft150", 1.0, "motocicleta", 1.0),
		fieldsOf("", 0, "", 0, "auto", 1.0),
	}
	for _, fields := range cases {
		for _, year := range []int{2019, 2020, 2021, 2015} {
			var previous map[catalog.EntryKey]bool
			for _, step := range f.Ladder(fields, year) {
				entries, err := view.Query(ctx, step.Filter)
				require.NoError(t, err)
				current := map[catalog.EntryKey]bool{}
				for _, e := range entries {
					current[e.Key()] = true
				}
				for key := range previous {
					assert.True(t, current[key], "relaxing to %s dropped %v", step.Level, key)
				}
				previous = current
			}
		}
	}
}

func TestCandidateFilter_RelaxesUntilNonEmpty(t *testing.T) {
	view := catalog.NewReader(nil, testStore(t), time.Second).View()
	f := NewCandidateFilter(config.DefaultConfig().Filter)

	set, err := f.Filter(context.Background(), view, fieldsOf("toyota", 1.0, "yaris", 1.0, "camioneta", 0.8), 2020)
	require.NoError(t, err)
	assert.Equal(t, LevelWithoutVehicleType, set.Level)
	require.Len(t, set.Entries, 2)
	for _, se := range set.Entries {
		assert.Equal(t, "yaris", se.Entry.Submodel)
		// year, brand and submodel agree; vehicle type does not.
		assert.InDelta(t, 0.9, se.FilterScore, 1e-9)
	}

	set, err = f.Filter(context.Background(), view, fieldsOf("toyota", 1.0, "yaris", 1.0, "", 0), 2015)
	require.NoError(t, err)
	assert.True(t, set.Empty())
	assert.Equal(t, LevelYearOnly, set.Level)
}

func TestCandidateFilter_MaxCandidates(t *testing.T) {
	cfg := config.DefaultConfig().Filter
	cfg.MaxCandidates = 2
	view := catalog.NewReader(nil, testStore(t), time.Second).View()

	set, err := NewCandidateFilter(cfg).Filter(context.Background(), view, fieldsOf("nissan", 0.5, "", 0, "", 0), 2020)
	require.NoError(t, err)
	require.Len(t, set.Entries, 2)
	assert.Equal(t, "NIS-VER-20", set.Entries[0].Entry.Code, "agreeing entries rank first")
	assert.Equal(t, 1.0, set.Entries[0].FilterScore)
}

func TestCandidateFilter_StoreError(t *testing.T) {
	storeErr := errors.New("connection refused")
	view := catalog.NewReader(nil, failingStore{err: storeErr}, time.Second).View()

	_, err := NewCandidateFilter(config.DefaultConfig().Filter).Filter(context.Background(), view, fieldsOf("toyota", 1, "", 0, "", 0), 2020)
	var svcErr *ExternalServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "catalog", svcErr.Service)
	assert.ErrorIs(t, err, storeErr)
}

func TestFilterScore(t *testing.T) {
	w := config.DefaultConfig().Filter.Weights
	entry := catalog.Entry{Brand: "toyota", Submodel: "yaris", VehicleType: "auto", ModelYear: 2020}

	tests := []struct {
		name   string
		fields ExtractedFields
		want   float64
	}{
		{"nothing extracted", fieldsOf("", 0, "", 0, "", 0), 0.25 / 0.6},
		{"only type extracted", fieldsOf("", 0, "", 0, "auto", 1), 0.35 / 0.7},
		{"all agree", fieldsOf("toyota", 1, "yaris", 1, "auto", 1), 1.0},
		{"submodel disagrees", fieldsOf("toyota", 1, "hilux", 1, "", 0), 0.6 / 0.9},
		{"brand disagrees", fieldsOf("nissan", 1, "", 0, "", 0), 0.25 / 0.6},
		{"only type disagrees", fieldsOf("toyota", 1, "yaris", 1, "camioneta", 1), 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterScore(w, entry, tt.fields)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestFilterScore_YearOnlyNeverFull(t *testing.T) {
	w := config.DefaultConfig().Filter.Weights
	entry := catalog.Entry{Brand: "toyota", Submodel: "yaris", VehicleType: "auto", ModelYear: 2020}
	highConfidence := config.DefaultConfig().Filter.HighConfidence

	for _, fields := range []ExtractedFields{
		fieldsOf("", 0, "", 0, "", 0),
		fieldsOf("", 0, "yaris", 1, "", 0),
		fieldsOf("", 0, "yaris", 1, "auto", 1),
	} {
		got := FilterScore(w, entry, fields)
		assert.Less(t, got, 1.0)
		assert.Less(t, got, highConfidence, "no brand means no high-confidence filter score")
	}
}
