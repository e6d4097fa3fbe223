// Package metrics exposes Prometheus collectors for the ingestion service.
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
	ingestPagesTotal           *prometheus.CounterVec
	ingestChunksTotal          *prometheus.CounterVec
	executorCallsTotal         *prometheus.CounterVec
	executorRetriesTotal       *prometheus.CounterVec
	executorWaitSeconds        *prometheus.HistogramVec
	executorActiveCalls        *prometheus.GaugeVec
	ingestJobsTotal            *prometheus.CounterVec
	reindexTriggersTotal       *prometheus.CounterVec
	robotsFallbackTotal        *prometheus.CounterVec
	discoveryRunsTotal         *prometheus.CounterVec
	hostWaitSeconds            *prometheus.HistogramVec
	headlessPromotionsTotal    *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_pages_total",
				Help: "Total number of pages processed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		ingestChunksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_chunks_total",
				Help: "Total number of chunks written, labeled by source kind.",
			},
			[]string{"kind"},
		)

		executorCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "executor_calls_total",
				Help: "Outbound calls completed by the rate-limited executor, labeled by executor, operation and outcome.",
			},
			[]string{"executor", "operation", "outcome"},
		)

		executorRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "executor_retries_total",
				Help: "Retries scheduled after transient failures.",
			},
			[]string{"executor", "operation"},
		)

		executorWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "executor_start_wait_seconds",
				Help:    "Time a ready call waited for the minimum-interval gate.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"executor"},
		)

		executorActiveCalls = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "executor_active_calls",
				Help: "Calls currently executing, labeled by executor.",
			},
			[]string{"executor"},
		)

		ingestJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_jobs_total",
				Help: "Asynchronous jobs that reached a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		reindexTriggersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reindex_triggers_total",
				Help: "Reindex requests, labeled by outcome (started, conflict, error).",
			},
			[]string{"outcome"},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "robots_fallback_total",
				Help: "robots.txt probes that fell back to allow-all, labeled by reason.",
			},
			[]string{"reason"},
		)

		discoveryRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_runs_total",
				Help: "Discovery runs, labeled by strategy (comprehensive, fallback).",
			},
			[]string{"strategy"},
		)

		hostWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_host_wait_seconds",
				Help:    "Delay introduced by the per-host politeness limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)

		headlessPromotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "headless_promotions_total",
				Help: "Pages re-fetched through the headless renderer, labeled by outcome (rendered, failed, denied).",
			},
			[]string{"outcome"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
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

// ObservePage counts a processed page by site and outcome.
func ObservePage(site, outcome string) {
	Init()
	ingestPagesTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
}

// ObserveChunks counts chunks written for a source kind.
func ObserveChunks(kind string, n int) {
	Init()
	if n > 0 {
		ingestChunksTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveCall counts a finished executor call.
func ObserveCall(executor, operation, outcome string) {
	Init()
	executorCallsTotal.WithLabelValues(executor, operation, outcome).Inc()
}

// ObserveRetry counts a scheduled retry.
func ObserveRetry(executor, operation string) {
	Init()
	executorRetriesTotal.WithLabelValues(executor, operation).Inc()
}

// ObserveStartWait records time spent waiting on the start-spacing gate.
func ObserveStartWait(executor string, d time.Duration) {
	Init()
	executorWaitSeconds.WithLabelValues(executor).Observe(d.Seconds())
}

// IncActiveCalls increments the active calls gauge.
func IncActiveCalls(executor string) {
	Init()
	executorActiveCalls.WithLabelValues(executor).Inc()
}

// DecActiveCalls decrements the active calls gauge.
func DecActiveCalls(executor string) {
	Init()
	executorActiveCalls.WithLabelValues(executor).Dec()
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	Init()
	ingestJobsTotal.WithLabelValues(status).Inc()
}

// ObserveReindex counts a reindex request outcome.
func ObserveReindex(outcome string) {
	Init()
	reindexTriggersTotal.WithLabelValues(outcome).Inc()
}

// ObserveRobotsFallback counts a robots.txt probe answered with allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbackTotal.WithLabelValues(reason).Inc()
}

// ObserveDiscovery counts a finished discovery run.
func ObserveDiscovery(strategy string) {
	Init()
	discoveryRunsTotal.WithLabelValues(strategy).Inc()
}

// ObserveHostWait records a politeness delay for site.
func ObserveHostWait(site string, d time.Duration) {
	Init()
	hostWaitSeconds.WithLabelValues(site).Observe(d.Seconds())
}

// ObserveHeadlessPromotion counts a headless re-fetch decision.
func ObserveHeadlessPromotion(outcome string) {
	Init()
	headlessPromotionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
