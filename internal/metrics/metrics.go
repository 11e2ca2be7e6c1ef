// Package metrics exposes Prometheus collectors for the HTTP surface and the
// resolution cache.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skolhustick/mdwnio/internal/cache"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	proxyResponsesTotal        *prometheus.CounterVec
	rateLimitDelaySeconds      prometheus.Histogram

	once sync.Once
)

// Init initializes the package collectors on the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route"},
		)

		proxyResponsesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdwn_proxy_responses_total",
				Help: "Proxy responses labeled by markdown source (native, converted, error) and cache outcome.",
			},
			[]string{"source", "cache"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mdwn_upstream_rate_limit_delay_seconds",
				Help:    "Time outbound fetches waited for their host's rate limit.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProxyResponse counts one proxy response. source is the X-Mdwn-Source
// value or "error"; cacheOutcome is the X-Mdwn-Cache value or "none".
func ObserveProxyResponse(source, cacheOutcome string) {
	if proxyResponsesTotal == nil {
		return
	}
	proxyResponsesTotal.WithLabelValues(source, cacheOutcome).Inc()
}

// ObserveRateLimitDelay records how long a fetch waited for its host limiter.
func ObserveRateLimitDelay(d time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.Observe(d.Seconds())
}

// CacheCollector reports cache size and counters at scrape time.
type CacheCollector struct {
	stats func() cache.Stats

	entries   *prometheus.Desc
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	shared    *prometheus.Desc
	evictions *prometheus.Desc
	expired   *prometheus.Desc
}

// NewCacheCollector builds a collector reading from stats on every scrape.
func NewCacheCollector(stats func() cache.Stats) *CacheCollector {
	return &CacheCollector{
		stats:     stats,
		entries:   prometheus.NewDesc("mdwn_cache_entries", "Entries currently held by the resolution cache.", nil, nil),
		hits:      prometheus.NewDesc("mdwn_cache_hits_total", "Resolutions served from a live cache entry.", nil, nil),
		misses:    prometheus.NewDesc("mdwn_cache_misses_total", "Resolutions that started a computation.", nil, nil),
		shared:    prometheus.NewDesc("mdwn_cache_shared_total", "Resolutions that joined an in-flight computation.", nil, nil),
		evictions: prometheus.NewDesc("mdwn_cache_evictions_total", "Entries evicted to stay within capacity.", nil, nil),
		expired:   prometheus.NewDesc("mdwn_cache_expired_total", "Entries removed after their TTL elapsed.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.hits
	ch <- c.misses
	ch <- c.shared
	ch <- c.evictions
	ch <- c.expired
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.shared, prometheus.CounterValue, float64(s.Shared))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.expired, prometheus.CounterValue, float64(s.Expired))
}
