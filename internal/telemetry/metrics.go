// Package telemetry holds the Prometheus collectors exported on /metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	reg *prometheus.Registry

	queryDuration *prometheus.HistogramVec
	partial       *prometheus.CounterVec
	cacheHits     prometheus.Counter
	storeRetries  *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	journeys      prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "attribution",
			Name:      "query_duration_seconds",
			Help:      "Attribution query latency by kpi, model and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"kpi", "model", "outcome"}),
		partial: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attribution",
			Name:      "partial_results_total",
			Help:      "Results returned with a degradation note, by reason.",
		}, []string{"reason"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attribution",
			Name:      "cache_hits_total",
			Help:      "Queries answered from the result cache.",
		}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attribution",
			Name:      "store_retries_total",
			Help:      "Store fetches retried after a transient failure.",
		}, []string{"op"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attribution",
			Name:      "refreshes_total",
			Help:      "Cache refreshes by trigger.",
		}, []string{"trigger"}),
		journeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attribution",
			Name:      "journeys_built_total",
			Help:      "Journeys built across all queries.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queryDuration, m.partial, m.cacheHits, m.storeRetries, m.refreshes, m.journeys,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveQuery(kpi, model, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(kpi, model, outcome).Observe(d.Seconds())
}

func (m *Metrics) Partial(reason string) {
	if m == nil {
		return
	}
	m.partial.WithLabelValues(reason).Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) StoreRetry(op string) {
	if m == nil {
		return
	}
	m.storeRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) Refresh(trigger string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(trigger).Inc()
}

func (m *Metrics) JourneysBuilt(n int) {
	if m == nil {
		return
	}
	m.journeys.Add(float64(n))
}
