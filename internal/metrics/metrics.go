// Package metrics exposes Prometheus collectors for the crawl pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchPagesTotal           *prometheus.CounterVec
	fetchRetriesTotal         prometheus.Counter
	fetchDurationSeconds      *prometheus.HistogramVec
	crawlDecisionsTotal       *prometheus.CounterVec
	changeEventsTotal         *prometheus.CounterVec
	crawlRunsTotal            *prometheus.CounterVec
	crawlRunDurationSeconds   prometheus.Histogram
	crawlPagesSkippedTotal    prometheus.Counter
	lockAcquisitionsTotal     *prometheus.CounterVec
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init registers all collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookwatch_fetch_pages_total",
				Help: "Pages fetched, labeled by kind (list/detail) and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookwatch_fetch_retries_total",
				Help: "Fetch attempts beyond the first.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bookwatch_fetch_duration_seconds",
				Help:    "Fetch latency including retries, labeled by kind.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"kind"},
		)

		crawlDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookwatch_crawl_decisions_total",
				Help: "Change-detector decisions, labeled by kind.",
			},
			[]string{"kind"},
		)

		changeEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookwatch_change_events_total",
				Help: "Change events committed, labeled by type.",
			},
			[]string{"type"},
		)

		crawlRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookwatch_crawl_runs_total",
				Help: "Crawl runs, labeled by outcome (completed/skipped/failed).",
			},
			[]string{"outcome"},
		)

		crawlRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bookwatch_crawl_run_duration_seconds",
				Help:    "Wall-clock duration of completed crawl runs.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		)

		crawlPagesSkippedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookwatch_crawl_pages_skipped_total",
				Help: "Catalog pages skipped after exhausted fetch retries.",
			},
		)

		lockAcquisitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookwatch_lock_acquisitions_total",
				Help: "Crawl lease acquisition attempts, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "API request latency, labeled by method and route.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one completed fetch.
func ObserveFetch(kind, outcome string, attempts int, duration time.Duration) {
	fetchPagesTotal.WithLabelValues(kind, outcome).Inc()
	if attempts > 1 {
		fetchRetriesTotal.Add(float64(attempts - 1))
	}
	fetchDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveDecision counts one detector verdict.
func ObserveDecision(kind string) {
	crawlDecisionsTotal.WithLabelValues(kind).Inc()
}

// ObserveChangeEvents counts committed events of one type.
func ObserveChangeEvents(changeType string, n int) {
	if n > 0 {
		changeEventsTotal.WithLabelValues(changeType).Add(float64(n))
	}
}

// ObserveRun records a finished crawl run.
func ObserveRun(outcome string, duration time.Duration) {
	crawlRunsTotal.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		crawlRunDurationSeconds.Observe(duration.Seconds())
	}
}

// ObservePageSkipped counts a catalog page abandoned after retries.
func ObservePageSkipped() {
	crawlPagesSkippedTotal.Inc()
}

// ObserveLockAcquisition counts a lease acquisition attempt.
func ObserveLockAcquisition(result string) {
	lockAcquisitionsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest records one served API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecond.WithLabelValues(method, route).Observe(duration.Seconds())
}
