// Package metrics exposes Prometheus collectors for the harvester service.
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
	unitsTotal                 *prometheus.CounterVec
	unitDurationSeconds        *prometheus.HistogramVec
	jobTransitionsTotal        *prometheus.CounterVec
	resolutionsTotal           *prometheus.CounterVec
	recordsExtractedTotal      prometheus.Counter
	classificationsTotal       *prometheus.CounterVec
	guardAcquiresTotal         *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	schedulerFiresTotal        *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsFallbacksTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		unitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_units_total",
				Help: "Work units processed, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		unitDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_unit_duration_seconds",
				Help:    "Histogram of work unit durations, labeled by kind.",
				Buckets: []float64{0.05, 0.25, 1, 2.5, 5, 15, 60},
			},
			[]string{"kind"},
		)

		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_job_transitions_total",
				Help: "Job state transitions, labeled by source and target state.",
			},
			[]string{"from", "to"},
		)

		resolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_resolutions_total",
				Help: "Source items resolved, labeled by confidence tier.",
			},
			[]string{"confidence"},
		)

		recordsExtractedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_records_extracted_total",
				Help: "Person records newly persisted.",
			},
		)

		classificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_classifications_total",
				Help: "Classification results, labeled by mode and match.",
			},
			[]string{"mode", "matched"},
		)

		guardAcquiresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_guard_acquires_total",
				Help: "Account lease acquisition attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetches_total",
				Help: "Upstream fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of upstream fetch latencies, labeled by fetcher.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"fetcher"},
		)

		schedulerFiresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_scheduler_fires_total",
				Help: "Scheduled launches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a unit.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of pacing and rate limit waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"scope"},
		)

		robotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_robots_fallbacks_total",
				Help: "robots.txt reads that fell back to allow-all, labeled by reason.",
			},
			[]string{"reason"},
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

// ObserveUnit records a processed work unit.
func ObserveUnit(kind, outcome string, duration time.Duration) {
	Init()
	unitsTotal.WithLabelValues(kind, outcome).Inc()
	unitDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveTransition records a job state change.
func ObserveTransition(from, to string) {
	Init()
	jobTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveResolution records one resolved item.
func ObserveResolution(confidence string) {
	Init()
	resolutionsTotal.WithLabelValues(confidence).Inc()
}

// AddRecordsExtracted adds newly persisted person records.
func AddRecordsExtracted(n int) {
	if n <= 0 {
		return
	}
	Init()
	recordsExtractedTotal.Add(float64(n))
}

// ObserveClassification records one classification verdict.
func ObserveClassification(mode string, matched bool) {
	Init()
	classificationsTotal.WithLabelValues(mode, strconv.FormatBool(matched)).Inc()
}

// ObserveGuardAcquire records a lease acquisition outcome.
func ObserveGuardAcquire(outcome string) {
	Init()
	guardAcquiresTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records an upstream fetch.
func ObserveFetch(fetcher, site, status string, duration time.Duration) {
	Init()
	fetchesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
	fetchDurationSeconds.WithLabelValues(fetcher).Observe(duration.Seconds())
}

// ObserveSchedulerFire records a scheduler launch attempt.
func ObserveSchedulerFire(outcome string) {
	Init()
	schedulerFiresTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a pacing or rate limit wait.
func ObserveRateLimitDelay(scope string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(scope).Observe(duration.Seconds())
}

// ObserveRobotsFallback records a robots.txt read that fell back to allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbacksTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
