// Package metrics exposes codifier counters and histograms for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
)

// Metrics holds the codifier collectors. It implements codify.Observer.
type Metrics struct {
	Decisions      *prometheus.CounterVec
	Degradations   *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	CatalogEntries prometheus.Gauge
	CatalogRefresh *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in
// tests and short-lived commands.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codifier_decisions_total",
				Help: "Total number of match decisions",
			},
			[]string{"decision"},
		),
		Degradations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codifier_degradations_total",
				Help: "Total number of degraded matches by reason",
			},
			[]string{"reason"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codifier_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"stage"},
		),
		CatalogEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "codifier_catalog_entries",
				Help: "Number of entries in the cached catalog snapshot",
			},
		),
		CatalogRefresh: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codifier_catalog_refresh_total",
				Help: "Total number of catalog cache refreshes by status",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) ObserveDecision(decision string) {
	m.Decisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveDegradation(reason string) {
	m.Degradations.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRefresh is a catalog.RefreshHook.
func (m *Metrics) ObserveRefresh(snap *catalog.Snapshot, err error) {
	if err != nil {
		m.CatalogRefresh.WithLabelValues("error").Inc()
		return
	}
	m.CatalogRefresh.WithLabelValues("ok").Inc()
	if snap != nil {
		m.CatalogEntries.Set(float64(snap.Len()))
	}
}
