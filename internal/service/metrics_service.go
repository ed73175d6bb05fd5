package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the API and the
// escalation sweeps.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	sweepRuns       *prometheus.CounterVec
	sweepItems      *prometheus.CounterVec
	sweepDuration   *prometheus.HistogramVec
	notifications   *prometheus.CounterVec
	cacheOps        *prometheus.CounterVec
	cacheDuration   *prometheus.HistogramVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	sweepRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_runs_total",
		Help: "Total sweep invocations by outcome",
	}, []string{"sweep", "outcome"})

	sweepItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_items_total",
		Help: "Enrollments touched by sweeps, by result",
	}, []string{"sweep", "result"})

	sweepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sweep_duration_seconds",
		Help:    "Duration of full sweep passes",
		Buckets: prometheus.DefBuckets,
	}, []string{"sweep"})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Outbound notifications by channel and outcome",
	}, []string{"channel", "outcome"})

	cacheOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_operations_total",
		Help: "Cache lookups by outcome",
	}, []string{"operation", "outcome"})

	cacheDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cache_operation_duration_seconds",
		Help:    "Duration of cache operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, sweepRuns, sweepItems, sweepDuration, notifications, cacheOps, cacheDuration, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		sweepRuns:       sweepRuns,
		sweepItems:      sweepItems,
		sweepDuration:   sweepDuration,
		notifications:   notifications,
		cacheOps:        cacheOps,
		cacheDuration:   cacheDuration,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveSweep records one full sweep pass.
func (m *MetricsService) ObserveSweep(sweep, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(sweep, outcome).Inc()
	m.sweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
}

// CountSweepItem tallies one per-enrollment result within a sweep.
func (m *MetricsService) CountSweepItem(sweep, result string) {
	if m == nil {
		return
	}
	m.sweepItems.WithLabelValues(sweep, result).Inc()
}

// RecordCacheOperation tallies a cache read and its latency.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheOps.WithLabelValues("get", outcome).Inc()
	m.cacheDuration.WithLabelValues("get").Observe(duration.Seconds())
}

// ObserveCacheWrite records the latency of a cache write.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheOps.WithLabelValues("set", "ok").Inc()
	m.cacheDuration.WithLabelValues("set").Observe(duration.Seconds())
}

// CountNotification tallies an outbound notification attempt.
func (m *MetricsService) CountNotification(channel string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.notifications.WithLabelValues(channel, outcome).Inc()
}
