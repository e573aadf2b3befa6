package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aggregator"

// Metrics groups the collectors of the process. A nil *Metrics is valid and
// records nothing, so components can be built without it in tests.
type Metrics struct {
	reg *prometheus.Registry

	fetchTotal    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	cacheEvicted  *prometheus.CounterVec
	cacheEntries  *prometheus.GaugeVec
	feedRequests  *prometheus.CounterVec
	partialFails  *prometheus.CounterVec
	lastRefreshTS *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}
	m.fetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_requests_total",
		Help:      "Upstream requests by region, resource kind and result",
	}, []string{"region", "kind", "result"})
	m.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Upstream request latency",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
	}, []string{"region"})
	m.retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_retries_total",
		Help:      "Retries issued by the batch scheduler",
	}, []string{"region"})
	m.cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Cache lookups by store and result",
	}, []string{"store", "result"})
	m.cacheEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_evictions_total",
		Help:      "Entries removed from a cache by reason",
	}, []string{"store", "reason"})
	m.cacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Entries currently held by a cache",
	}, []string{"store"})
	m.feedRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_requests_total",
		Help:      "Feed pages served by origin (cache, fresh, stale-fallback)",
	}, []string{"kind", "source"})
	m.partialFails = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "partial_failures_total",
		Help:      "Sources missing from an aggregated result",
	}, []string{"region", "reason"})
	m.lastRefreshTS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_refresh_timestamp_seconds",
		Help:      "Unix timestamp of the last fresh aggregation per kind",
	}, []string{"kind"})

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fetchTotal, m.fetchDuration, m.retries,
		m.cacheLookups, m.cacheEvicted, m.cacheEntries,
		m.feedRequests, m.partialFails, m.lastRefreshTS,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ObserveFetch(region, kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(region, kind, result).Inc()
	m.fetchDuration.WithLabelValues(region).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(region string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(region).Inc()
}

func (m *Metrics) CacheLookup(store, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(store, result).Inc()
}

func (m *Metrics) CacheEvicted(store, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvicted.WithLabelValues(store, reason).Add(float64(n))
}

func (m *Metrics) SetCacheEntries(store string, n int) {
	if m == nil {
		return
	}
	m.cacheEntries.WithLabelValues(store).Set(float64(n))
}

func (m *Metrics) FeedServed(kind, source string) {
	if m == nil {
		return
	}
	m.feedRequests.WithLabelValues(kind, source).Inc()
}

func (m *Metrics) PartialFailure(region, reason string) {
	if m == nil {
		return
	}
	m.partialFails.WithLabelValues(region, reason).Inc()
}

func (m *Metrics) Refreshed(kind string, at time.Time) {
	if m == nil {
		return
	}
	m.lastRefreshTS.WithLabelValues(kind).Set(float64(at.Unix()))
}
