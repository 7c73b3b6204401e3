// Package metrics exposes the scanner's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the process exports. One instance is
// built in the composition root and handed to the components that
// record into it.
type Registry struct {
	reg *prometheus.Registry

	// TickDuration observes the wall time of one full scan tick.
	TickDuration prometheus.Histogram

	// TickOverruns counts ticks that ran longer than the scan interval.
	TickOverruns prometheus.Counter

	// FetchResults counts adapter calls by source and outcome.
	FetchResults *prometheus.CounterVec

	// SnapshotsWritten counts persisted price observations per source.
	SnapshotsWritten *prometheus.CounterVec

	// SalesDetected counts disappearance-inferred sales per marketplace.
	SalesDetected *prometheus.CounterVec

	// DealsFound counts detected opportunities by kind.
	DealsFound *prometheus.CounterVec

	// NewListings counts never-before-seen item ids entering the book.
	NewListings *prometheus.CounterVec

	// ActiveListings tracks the current size of the active book.
	ActiveListings prometheus.Gauge
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "giftscan_tick_duration_seconds",
			Help:    "Wall time of one full scan tick",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 15, 30, 60, 120},
		}),

		TickOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "giftscan_tick_overruns_total",
			Help: "Ticks that outlasted the scan interval",
		}),

		FetchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "giftscan_fetch_results_total",
			Help: "Adapter fetches by source and outcome",
		}, []string{"source", "outcome"}),

		SnapshotsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "giftscan_snapshots_written_total",
			Help: "Persisted price observations per source",
		}, []string{"source"}),

		SalesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "giftscan_sales_detected_total",
			Help: "Disappearance-inferred sales per marketplace",
		}, []string{"marketplace"}),

		DealsFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "giftscan_deals_found_total",
			Help: "Detected opportunities by kind",
		}, []string{"kind"}),

		NewListings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "giftscan_new_listings_total",
			Help: "Never-before-seen item ids per marketplace",
		}, []string{"marketplace"}),

		ActiveListings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "giftscan_active_listings",
			Help: "Current number of unsold listings",
		}),
	}

	r.reg.MustRegister(
		r.TickDuration,
		r.TickOverruns,
		r.FetchResults,
		r.SnapshotsWritten,
		r.SalesDetected,
		r.DealsFound,
		r.NewListings,
		r.ActiveListings,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Fetch outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeEmpty = "empty"
)
