// Package metrics exposes Prometheus instrumentation for the rate limit middleware.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for ratelimiter_requests_total.
const (
	OutcomeAllowed    = "allowed"
	OutcomeRestricted = "restricted"
	OutcomeSkipped    = "skipped"
	OutcomeError      = "error"
)

// RateLimitMetrics records request outcomes and check latency per limiter.
type RateLimitMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	reg      prometheus.Registerer
}

// NewRateLimitMetrics creates the collectors and registers them on reg.
// A nil reg falls back to the default Prometheus registry.
func NewRateLimitMetrics(reg prometheus.Registerer) *RateLimitMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &RateLimitMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimiter_requests_total",
			Help: "Total number of requests processed by the rate limiter",
		}, []string{"limiter", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratelimiter_check_duration_seconds",
			Help:    "Latency of admission checks against the limiter backend",
			Buckets: prometheus.DefBuckets,
		}, []string{"limiter"}),
		reg: reg,
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

// RecordRequest counts one request for limiter with the given outcome.
func (m *RateLimitMetrics) RecordRequest(limiter, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(limiter, outcome).Inc()
}

// ObserveCheck records how long an admission check took.
func (m *RateLimitMetrics) ObserveCheck(limiter string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(limiter).Observe(d.Seconds())
}

// RegisterScriptReloads exposes a counter reading reloads for limiter.
func (m *RateLimitMetrics) RegisterScriptReloads(limiter string, reloads func() int64) error {
	if m == nil {
		return nil
	}
	return m.reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "ratelimiter_script_reloads_total",
		Help:        "Times the admission script was reloaded after the store lost it",
		ConstLabels: prometheus.Labels{"limiter": limiter},
	}, func() float64 { return float64(reloads()) }))
}

// Requests returns the underlying counter, mainly for tests.
func (m *RateLimitMetrics) Requests() *prometheus.CounterVec {
	return m.requests
}
