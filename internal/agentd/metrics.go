package agentd

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"phobos.org.uk/wharf/internal/usage"
)

// Metrics tracks run outcomes, token consumption, and spend for the
// /metrics endpoint. Each agent process carries its own registry so
// tests can run several agents side by side.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal   *prometheus.CounterVec
	tokensTotal *prometheus.CounterVec
	costUSD     prometheus.Counter
	runDuration prometheus.Histogram
}

// NewMetrics creates a Metrics set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wharf_runs_total",
			Help: "Completed runs by final state.",
		}, []string{"state"}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wharf_tokens_total",
			Help: "Tokens consumed by direction (input, output, cache_read, cache_write).",
		}, []string{"direction"}),
		costUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "wharf_cost_usd_total",
			Help: "Estimated spend in US dollars.",
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wharf_run_duration_seconds",
			Help:    "Wall-clock duration of completed runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~68m
		}),
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(state string, rec usage.Record, durationSeconds float64) {
	m.runsTotal.WithLabelValues(state).Inc()
	m.tokensTotal.WithLabelValues("input").Add(float64(rec.InputTokens))
	m.tokensTotal.WithLabelValues("output").Add(float64(rec.OutputTokens))
	m.tokensTotal.WithLabelValues("cache_read").Add(float64(rec.CacheReadTokens))
	m.tokensTotal.WithLabelValues("cache_write").Add(float64(rec.CacheWriteTokens))
	m.costUSD.Add(rec.CostUSD)
	m.runDuration.Observe(durationSeconds)
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
