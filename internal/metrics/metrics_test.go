package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
)

func TestMetrics_Observer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveDecision("auto_accept")
	m.ObserveDecision("auto_accept")
	m.ObserveDecision("no_match")
	m.ObserveDegradation("catalog_empty")
	m.ObserveStage("match", 12*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("auto_accept")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("no_match")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Degradations.WithLabelValues("catalog_empty")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))

	expected := `
# HELP codifier_degradations_total Total number of degraded matches by reason
# TYPE codifier_degradations_total counter
codifier_degradations_total{reason="catalog_empty"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "codifier_degradations_total"))
}

func TestMetrics_ObserveRefresh(t *testing.T) {
	m := New(prometheus.NewRegistry())

	snap := catalog.NewSnapshot("v1", []catalog.Entry{
		{Code: "A", Brand: "kia", ModelYear: 2020},
		{Code: "B", Brand: "kia", ModelYear: 2021},
	}, time.Now())
	m.ObserveRefresh(snap, nil)
	m.ObserveRefresh(nil, errors.New("store down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CatalogEntries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CatalogRefresh.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CatalogRefresh.WithLabelValues("error")))
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
