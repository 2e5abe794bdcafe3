// Package metrics exposes Prometheus collectors for the restock monitor.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal                  *prometheus.CounterVec
	runDurationSeconds         prometheus.Histogram
	verdictsTotal              *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	searchFailuresTotal        *prometheus.CounterVec
	degradedFilteringTotal     prometheus.Counter
	busyWorkers                prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "restock_runs_total",
				Help: "Total number of task runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "restock_run_duration_seconds",
				Help:    "Histogram of end-to-end task run durations.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		)

		verdictsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "restock_verdicts_total",
				Help: "Total number of availability verdicts, labeled by site and availability.",
			},
			[]string{"site", "availability"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "restock_notifications_total",
				Help: "Total number of notification attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		searchFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "restock_search_failures_total",
				Help: "Total number of per-site search failures.",
			},
			[]string{"site"},
		)

		degradedFilteringTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "restock_degraded_filtering_total",
				Help: "Runs where relevance classification fell back to pass-through.",
			},
		)

		busyWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "restock_busy_workers",
				Help: "Number of scheduler workers currently running a task.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "restock_rate_limit_delays_seconds",
				Help:    "Histogram of per-domain rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL or bare host.
// It returns "unknown" if nothing usable remains.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun records a finished task run.
func ObserveRun(outcome string, duration time.Duration) {
	runsTotal.WithLabelValues(outcome).Inc()
	runDurationSeconds.Observe(duration.Seconds())
}

// ObserveVerdict counts a verdict for the page's site.
func ObserveVerdict(pageURL, availability string) {
	verdictsTotal.WithLabelValues(SanitizeSite(pageURL), availability).Inc()
}

// ObserveNotification counts a notification attempt.
func ObserveNotification(outcome string) {
	notificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSearchFailure counts a failed site search.
func ObserveSearchFailure(site string) {
	searchFailuresTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveDegradedFiltering counts a run that skipped relevance classification.
func ObserveDegradedFiltering() {
	degradedFilteringTotal.Inc()
}

// IncBusyWorkers increments the busy workers gauge.
func IncBusyWorkers() {
	busyWorkers.Inc()
}

// DecBusyWorkers decrements the busy workers gauge.
func DecBusyWorkers() {
	busyWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records an API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware records request counts and latencies keyed by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}
