/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimiter

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector represents a collector of admission decisions.
type MetricsCollector interface {
	// IncAllowed increments the counter of admitted checks.
	IncAllowed()

	// IncDenied increments the counter of checks denied until a later moment.
	IncDenied()

	// IncDeniedIndefinitely increments the counter of checks that can never be admitted.
	IncDeniedIndefinitely()
}

const (
	decisionLabel = "decision"

	decisionAllowed            = "allowed"
	decisionDenied             = "denied"
	decisionDeniedIndefinitely = "denied_indefinitely"
)

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents a Prometheus collector of admission decisions.
type PrometheusMetrics struct {
	DecisionsTotal *prometheus.CounterVec

	allowed            prometheus.Counter
	denied             prometheus.Counter
	deniedIndefinitely prometheus.Counter
}

// NewPrometheusMetrics creates a new PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	decisionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "rate_limit_decisions_total",
		Help:        "Total number of rate limit checks by decision.",
		ConstLabels: opts.ConstLabels,
	}, []string{decisionLabel})
	return &PrometheusMetrics{
		DecisionsTotal:     decisionsTotal,
		allowed:            decisionsTotal.WithLabelValues(decisionAllowed),
		denied:             decisionsTotal.WithLabelValues(decisionDenied),
		deniedIndefinitely: decisionsTotal.WithLabelValues(decisionDeniedIndefinitely),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.DecisionsTotal)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.DecisionsTotal)
}

// IncAllowed increments the counter of admitted checks.
func (pm *PrometheusMetrics) IncAllowed() {
	pm.allowed.Inc()
}

// IncDenied increments the counter of checks denied until a later moment.
func (pm *PrometheusMetrics) IncDenied() {
	pm.denied.Inc()
}

// IncDeniedIndefinitely increments the counter of checks that can never be admitted.
func (pm *PrometheusMetrics) IncDeniedIndefinitely() {
	pm.deniedIndefinitely.Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) IncAllowed()            {}
func (disabledMetrics) IncDenied()             {}
func (disabledMetrics) IncDeniedIndefinitely() {}
