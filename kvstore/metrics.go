/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package kvstore

import "github.com/prometheus/client_golang/prometheus"

// MetricsCollector represents a collector of metrics to analyze how (effectively or not)
// the store and its upstream are used.
type MetricsCollector interface {
	// SetAmount sets the total number of entries in the store.
	SetAmount(int)

	// IncHits increments the total number of successfully found keys in the store.
	IncHits()

	// IncMisses increments the total number of not found keys in the store.
	IncMisses()

	// AddEvictions increments the total number of evicted entries.
	AddEvictions(int)

	// IncCommits increments the total number of entries committed to the upstream.
	IncCommits()

	// IncCommitErrors increments the total number of failed upstream commits.
	IncCommitErrors()

	// IncDroppedCommits increments the total number of deferred commits dropped
	// because the commit queue was full.
	IncDroppedCommits()
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents Prometheus metrics for the store.
type PrometheusMetrics struct {
	EntriesAmount       prometheus.Gauge
	HitsTotal           prometheus.Counter
	MissesTotal         prometheus.Counter
	EvictionsTotal      prometheus.Counter
	CommitsTotal        prometheus.Counter
	CommitErrorsTotal   prometheus.Counter
	DroppedCommitsTotal prometheus.Counter
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	return &PrometheusMetrics{
		EntriesAmount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "kvstore_entries_amount",
			Help:        "Total number of entries in the store.",
			ConstLabels: opts.ConstLabels,
		}),
		HitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "kvstore_hits_total",
			Help:        "Number of successfully found keys in the store.",
			ConstLabels: opts.ConstLabels,
		}),
		MissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "kvstore_misses_total",
			Help:        "Number of not found keys in the store.",
			ConstLabels: opts.ConstLabels,
		}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "kvstore_evictions_total",
			Help:        "Number of evicted entries.",
			ConstLabels: opts.ConstLabels,
		}),
		CommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "kvstore_commits_total",
			Help:        "Number of entries committed to the upstream.",
			ConstLabels: opts.ConstLabels,
		}),
		CommitErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "kvstore_commit_errors_total",
			Help:        "Number of failed upstream commits.",
			ConstLabels: opts.ConstLabels,
		}),
		DroppedCommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "kvstore_dropped_commits_total",
			Help:        "Number of deferred commits dropped because the queue was full.",
			ConstLabels: opts.ConstLabels,
		}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.EntriesAmount,
		pm.HitsTotal,
		pm.MissesTotal,
		pm.EvictionsTotal,
		pm.CommitsTotal,
		pm.CommitErrorsTotal,
		pm.DroppedCommitsTotal,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.EntriesAmount)
	prometheus.Unregister(pm.HitsTotal)
	prometheus.Unregister(pm.MissesTotal)
	prometheus.Unregister(pm.EvictionsTotal)
	prometheus.Unregister(pm.CommitsTotal)
	prometheus.Unregister(pm.CommitErrorsTotal)
	prometheus.Unregister(pm.DroppedCommitsTotal)
}

// SetAmount sets the total number of entries in the store.
func (pm *PrometheusMetrics) SetAmount(amount int) {
	pm.EntriesAmount.Set(float64(amount))
}

// IncHits increments the total number of successfully found keys in the store.
func (pm *PrometheusMetrics) IncHits() {
	pm.HitsTotal.Inc()
}

// IncMisses increments the total number of not found keys in the store.
func (pm *PrometheusMetrics) IncMisses() {
	pm.MissesTotal.Inc()
}

// AddEvictions increments the total number of evicted entries.
func (pm *PrometheusMetrics) AddEvictions(n int) {
	pm.EvictionsTotal.Add(float64(n))
}

// IncCommits increments the total number of entries committed to the upstream.
func (pm *PrometheusMetrics) IncCommits() {
	pm.CommitsTotal.Inc()
}

// IncCommitErrors increments the total number of failed upstream commits.
func (pm *PrometheusMetrics) IncCommitErrors() {
	pm.CommitErrorsTotal.Inc()
}

// IncDroppedCommits increments the total number of dropped deferred commits.
func (pm *PrometheusMetrics) IncDroppedCommits() {
	pm.DroppedCommitsTotal.Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) SetAmount(int)      {}
func (disabledMetrics) IncHits()           {}
func (disabledMetrics) IncMisses()         {}
func (disabledMetrics) AddEvictions(int)   {}
func (disabledMetrics) IncCommits()        {}
func (disabledMetrics) IncCommitErrors()   {}
func (disabledMetrics) IncDroppedCommits() {}
