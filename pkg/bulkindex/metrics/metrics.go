// Package metrics defines the Prometheus collectors for bulk index builds
// and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CVDpl/go-bulkindex/pkg/bulkindex"
)

// Metrics holds all Prometheus collectors for the build pipeline. Each
// Metrics value owns a private registry, so independent loaders in one
// process never collide.
type Metrics struct {
	registry *prometheus.Registry

	KeysProcessedTotal     *prometheus.CounterVec
	BuildsInProgress       prometheus.Gauge
	BuildDurationSeconds   *prometheus.HistogramVec
	DuplicatesDroppedTotal *prometheus.CounterVec
	RunsSpilledTotal       *prometheus.CounterVec
}

// New creates and registers all collectors under the given namespace
// ("" = "bulkindex").
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "bulkindex"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		KeysProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keys_processed_total",
				Help:      "Total index keys consumed from the sorted stream.",
			},
			[]string{"index"},
		),
		BuildsInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "builds_in_progress",
				Help:      "Number of index builds currently running.",
			},
		),
		BuildDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Wall-clock duration of index builds by outcome.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 7200},
			},
			[]string{"index", "outcome"},
		),
		DuplicatesDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_dropped_total",
				Help:      "Total conflicting keys dropped by the duplicate policy.",
			},
			[]string{"index"},
		),
		RunsSpilledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_spilled_total",
				Help:      "Total sort runs spilled to disk.",
			},
			[]string{"index"},
		),
	}

	m.registry.MustRegister(
		m.KeysProcessedTotal,
		m.BuildsInProgress,
		m.BuildDurationSeconds,
		m.DuplicatesDroppedTotal,
		m.RunsSpilledTotal,
	)
	return m
}

// Registry returns the underlying registry, for callers that add their own
// collectors next to the pipeline's.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartBuild registers the start of one build and returns its Progress. The
// returned value plugs into Options.Progress; call Done when the build ends.
func (m *Metrics) StartBuild(index string) *Progress {
	m.BuildsInProgress.Inc()
	return &Progress{
		m:     m,
		index: index,
		keys:  m.KeysProcessedTotal.WithLabelValues(index),
		start: time.Now(),
	}
}

// Progress reports one build's consumption into the collectors.
type Progress struct {
	m     *Metrics
	index string
	keys  prometheus.Counter
	start time.Time
	done  bool
}

// Hit records one consumed key.
func (p *Progress) Hit() { p.keys.Inc() }

// Finished marks the end of consumption. The terminal outcome is recorded by
// Done, which also knows whether the build succeeded.
func (p *Progress) Finished() {}

// Done records the build's terminal outcome. Safe to call once; later calls
// are ignored.
func (p *Progress) Done(result *bulkindex.Result, err error) {
	if p.done {
		return
	}
	p.done = true
	p.m.BuildsInProgress.Dec()

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.m.BuildDurationSeconds.WithLabelValues(p.index, outcome).Observe(time.Since(p.start).Seconds())

	if result == nil {
		return
	}
	if result.Dropped != nil {
		p.m.DuplicatesDroppedTotal.WithLabelValues(p.index).Add(float64(result.Dropped.GetCardinality()))
	}
	if result.Spool.RunsSpilled > 0 {
		p.m.RunsSpilledTotal.WithLabelValues(p.index).Add(float64(result.Spool.RunsSpilled))
	}
}
