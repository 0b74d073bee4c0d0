// ABOUTME: Prometheus instrumentation for the request and generation paths.
// ABOUTME: Own registry per instance so tests never fight over global state.

// Package metrics collects the gateway's operational counters. Everything
// registers on a private registry; Handler() serves it in Prometheus text
// exposition format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Generation outcome label values.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// Metrics holds every collector the gateway updates.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	RateLimitedTotal  prometheus.Counter
	TokensEmitted     prometheus.Counter
	GenerationsTotal  *prometheus.CounterVec
	GenerationSeconds prometheus.Histogram
	ActiveGenerations prometheus.Gauge
}

// New creates and registers the gateway's collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route pattern and status code.",
		}, []string{"route", "status"}),
		RateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "rate_limited_total",
			Help:      "Requests refused by the sliding-window rate limiter.",
		}),
		TokensEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "tokens_emitted_total",
			Help:      "Tokens streamed to callers across all generations.",
		}),
		GenerationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "generations_total",
			Help:      "Finished generation turns by outcome.",
		}, []string{"outcome"}),
		GenerationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loom",
			Name:      "generation_duration_seconds",
			Help:      "Wall time per generation turn, start to terminal event.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		ActiveGenerations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loom",
			Name:      "active_generations",
			Help:      "Generation turns currently streaming.",
		}),
	}
}

// ObserveRequest counts one served request.
func (m *Metrics) ObserveRequest(route string, status int) {
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// GenerationFinished records a completed turn: outcome counter, duration
// histogram, and the active gauge stepping down.
func (m *Metrics) GenerationFinished(outcome string, elapsed time.Duration) {
	m.GenerationsTotal.WithLabelValues(outcome).Inc()
	m.GenerationSeconds.Observe(elapsed.Seconds())
	m.ActiveGenerations.Dec()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
