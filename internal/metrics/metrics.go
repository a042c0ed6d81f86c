// Package metrics exposes Prometheus collectors for docharvest runs.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	allocationsTotal           prometheus.Counter
	outcomesTotal              *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	rotationsTotal             *prometheus.CounterVec
	artifactBytesTotal         *prometheus.CounterVec
	cookiePersistFailuresTotal prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	pacingDelaySeconds         *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times; every Observe helper calls it.
func Init() {
	once.Do(func() {
		allocationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "docharvest_allocations_total",
				Help: "Identifiers issued and durably recorded in the ledger.",
			},
		)

		outcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docharvest_outcomes_total",
				Help: "Retrieval results, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docharvest_fetch_attempts_total",
				Help: "Individual HTTP attempts, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docharvest_fetch_duration_seconds",
				Help:    "Latency of individual HTTP attempts, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"site"},
		)

		rotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docharvest_rotations_total",
				Help: "Circuit rotations, labeled by trigger and result.",
			},
			[]string{"trigger", "result"},
		)

		artifactBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docharvest_artifact_bytes_total",
				Help: "Bytes of stored artifacts, labeled by site.",
			},
			[]string{"site"},
		)

		cookiePersistFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "docharvest_cookie_persist_failures_total",
				Help: "Cookie jar flushes or loads that failed and were skipped.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docharvest_http_requests_total",
				Help: "Status server requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docharvest_http_request_duration_seconds",
				Help:    "Status server latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		pacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docharvest_pacing_delay_seconds",
				Help:    "Time spent waiting on the request pacer, labeled by site.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveAllocation counts one recorded identifier.
func ObserveAllocation() {
	Init()
	allocationsTotal.Inc()
}

// ObserveOutcome counts one classified retrieval result.
func ObserveOutcome(outcome string) {
	Init()
	outcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetchAttempt records a single HTTP attempt and its latency.
func ObserveFetchAttempt(rawURL, result string, duration time.Duration) {
	Init()
	site := SanitizeSite(rawURL)
	fetchAttemptsTotal.WithLabelValues(site, result).Inc()
	fetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveRotation counts a rotation attempt by trigger and result.
func ObserveRotation(trigger, result string) {
	Init()
	rotationsTotal.WithLabelValues(trigger, result).Inc()
}

// ObserveArtifact adds stored bytes for the artifact's site.
func ObserveArtifact(rawURL string, size int) {
	Init()
	if size > 0 {
		artifactBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(size))
	}
}

// ObserveCookiePersistFailure counts a skipped cookie load or flush.
func ObserveCookiePersistFailure() {
	Init()
	cookiePersistFailuresTotal.Inc()
}

// ObserveHTTPRequest increments the status server request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObservePacingDelay records time spent waiting on the pacer.
func ObservePacingDelay(site string, duration time.Duration) {
	Init()
	pacingDelaySeconds.WithLabelValues(site).Observe(duration.Seconds())
}
