// Package metrics exposes Prometheus collectors for the fetch service.
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
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchResultsTotal          *prometheus.CounterVec
	fetchInflight              prometheus.Gauge
	rateGateWaitSeconds        *prometheus.HistogramVec
	archiveLookupsTotal        *prometheus.CounterVec
	conversionsTotal           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	httpResponseBytesTotal     *prometheus.CounterVec
	attemptDurationSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "robustfetch_attempts_total",
				Help: "Transport attempts, labeled by tactic, phase and outcome.",
			},
			[]string{"tactic", "phase", "outcome"},
		)

		attemptDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "robustfetch_attempt_duration_seconds",
				Help:    "Histogram of transport attempt latencies, labeled by tactic.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
			},
			[]string{"tactic"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "robustfetch_bytes_total",
				Help: "Bytes written by successful attempts, labeled by site.",
			},
			[]string{"site"},
		)

		fetchResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "robustfetch_results_total",
				Help: "Completed fetches, labeled by terminal status.",
			},
			[]string{"status"},
		)

		fetchInflight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "robustfetch_inflight_fetches",
				Help: "Number of fetches currently running.",
			},
		)

		rateGateWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "robustfetch_rate_gate_wait_seconds",
				Help:    "Histogram of time spent waiting on the per-domain rate gate.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		archiveLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "robustfetch_archive_lookups_total",
				Help: "Archive availability lookups, labeled by result (hit, miss, error).",
			},
			[]string{"result"},
		)

		conversionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "robustfetch_conversions_total",
				Help: "HTML to PDF conversions, labeled by engine and result.",
			},
			[]string{"engine", "result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)

		httpResponseBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_response_bytes_total",
				Help: "Response body bytes written by the API, labeled by route.",
			},
			[]string{"route"},
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
	return promhttp.Handler()
}

// ObserveAttempt records one transport attempt. Outcome is "success" or a failure kind.
func ObserveAttempt(tactic, phase, outcome, site string, bytesWritten int64, duration time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(tactic, phase, outcome).Inc()
	attemptDurationSeconds.WithLabelValues(tactic).Observe(duration.Seconds())
	if bytesWritten > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesWritten))
	}
}

// ObserveResult increments the result counter for the given status.
func ObserveResult(status string) {
	Init()
	fetchResultsTotal.WithLabelValues(status).Inc()
}

// IncInflight increments the running fetches gauge.
func IncInflight() {
	Init()
	fetchInflight.Inc()
}

// DecInflight decrements the running fetches gauge.
func DecInflight() {
	Init()
	fetchInflight.Dec()
}

// ObserveRateLimitDelay records the duration of a rate gate wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateGateWaitSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveArchiveLookup counts archive availability queries.
func ObserveArchiveLookup(result string) {
	Init()
	archiveLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveConversion counts converter invocations.
func ObserveConversion(engine string, ok bool) {
	Init()
	result := "failure"
	if ok {
		result = "success"
	}
	conversionsTotal.WithLabelValues(engine, result).Inc()
}

// ObserveHTTPRequest records one served API request.
func ObserveHTTPRequest(method, route string, code, written int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
	if written > 0 {
		httpResponseBytesTotal.WithLabelValues(route).Add(float64(written))
	}
}
