// Package metrics exposes pipeline counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	StageRuns      *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	Decisions      *prometheus.CounterVec
	AtomsExtracted prometheus.Counter
	StoreItems     *prometheus.GaugeVec
}

// New registers the pipeline collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Stage runs by outcome: ok, schema_error, validation_error, busy, error
		StageRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "brain_stage_runs_total",
			Help: "Total number of stage runs by outcome",
		}, []string{"stage", "outcome"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "brain_stage_duration_seconds",
			Help:    "Stage run latency in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600}, // oracle calls dominate
		}, []string{"stage"}),

		// Decision outcomes: applied, dropped, triaged
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "brain_decisions_total",
			Help: "Total number of committed decisions by outcome",
		}, []string{"outcome"}),

		AtomsExtracted: factory.NewCounter(prometheus.CounterOpts{
			Name: "brain_atoms_extracted_total",
			Help: "Total number of atoms committed by the extractor",
		}),

		StoreItems: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brain_store_items",
			Help: "Current store counts by kind",
		}, []string{"kind"}),
	}
}

// ObserveRun records one stage run
func (m *Metrics) ObserveRun(stage, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.StageRuns.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(took.Seconds())
}

// ObserveDecisions records committed decision outcomes
func (m *Metrics) ObserveDecisions(applied, dropped, triaged int) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues("applied").Add(float64(applied))
	m.Decisions.WithLabelValues("dropped").Add(float64(dropped))
	m.Decisions.WithLabelValues("triaged").Add(float64(triaged))
}

// ObserveAtoms records extracted atoms
func (m *Metrics) ObserveAtoms(n int) {
	if m == nil {
		return
	}
	m.AtomsExtracted.Add(float64(n))
}

// SetStoreStats publishes store counts
func (m *Metrics) SetStoreStats(stats map[string]int) {
	if m == nil {
		return
	}
	for kind, n := range stats {
		m.StoreItems.WithLabelValues(kind).Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
