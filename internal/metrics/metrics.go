// Package metrics exposes Prometheus collectors for the imagery worker.
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
	tasksClaimedTotal          prometheus.Counter
	taskResolutionsTotal       *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	ledgerErrorsTotal          *prometheus.CounterVec
	activationAttemptsTotal    *prometheus.CounterVec
	artifactsTotal             *prometheus.CounterVec
	artifactBytesTotal         *prometheus.CounterVec
	workerBusy                 prometheus.Gauge
	navigationWaitSeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call repeatedly.
func Init() {
	once.Do(func() {
		tasksClaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "imagery_tasks_claimed_total",
				Help: "Total number of tasks leased from the ledger.",
			},
		)

		taskResolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagery_task_resolutions_total",
				Help: "Total number of task resolutions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imagery_task_duration_seconds",
				Help:    "Histogram of per-task processing time, labeled by outcome.",
				Buckets: []float64{5, 10, 20, 30, 60, 120, 240},
			},
			[]string{"outcome"},
		)

		ledgerErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagery_ledger_errors_total",
				Help: "Total number of failed ledger calls, labeled by operation.",
			},
			[]string{"operation"},
		)

		activationAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagery_activation_attempts_total",
				Help: "Total number of trigger strategy attempts, labeled by strategy and result.",
			},
			[]string{"strategy", "result"},
		)

		artifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagery_artifacts_total",
				Help: "Total number of artifacts handled, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		artifactBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagery_artifact_bytes_total",
				Help: "Total artifact bytes, labeled by stage (raw or normalized).",
			},
			[]string{"stage"},
		)

		workerBusy = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "imagery_worker_busy",
				Help: "1 while the worker is processing a task.",
			},
		)

		navigationWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imagery_navigation_wait_seconds",
				Help:    "Histogram of navigation rate limit waits, labeled by site.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname, or "unknown" for invalid URLs.
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

// ObserveClaim counts leased tasks.
func ObserveClaim(n int) {
	Init()
	if n > 0 {
		tasksClaimedTotal.Add(float64(n))
	}
}

// ObserveResolution records a resolved task and how long it took.
func ObserveResolution(outcome string, duration time.Duration) {
	Init()
	taskResolutionsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		taskDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// ObserveLedgerError counts a failed ledger operation.
func ObserveLedgerError(operation string) {
	Init()
	ledgerErrorsTotal.WithLabelValues(operation).Inc()
}

// ObserveActivation records a trigger strategy attempt.
func ObserveActivation(strategy string, ok bool) {
	Init()
	result := "failed"
	if ok {
		result = "succeeded"
	}
	activationAttemptsTotal.WithLabelValues(strategy, result).Inc()
}

// ObserveArtifact records an artifact outcome (stored, skipped, failed).
func ObserveArtifact(kind, result string) {
	Init()
	artifactsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveArtifactBytes records raw and normalized sizes for one artifact.
func ObserveArtifactBytes(raw, normalized int) {
	Init()
	artifactBytesTotal.WithLabelValues("raw").Add(float64(raw))
	artifactBytesTotal.WithLabelValues("normalized").Add(float64(normalized))
}

// SetBusy flips the busy gauge.
func SetBusy(busy bool) {
	Init()
	if busy {
		workerBusy.Set(1)
		return
	}
	workerBusy.Set(0)
}

// ObserveNavigationWait records how long a navigation waited on the rate limiter.
func ObserveNavigationWait(rawURL string, duration time.Duration) {
	Init()
	navigationWaitSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the ops server request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
