package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/elective-api/internal/models"
)

// Allocation run outcomes used as the "outcome" label.
const (
	RunOutcomeSuccess  = "success"
	RunOutcomePartial  = "partial"
	RunOutcomeRejected = "rejected"
	RunOutcomeError    = "error"
)

// MetricsService encapsulates Prometheus instrumentation.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	runTotal        *prometheus.CounterVec
	runDuration     prometheus.Observer
	allocated       *prometheus.GaugeVec
	unallocated     *prometheus.GaugeVec
	writeFailures   *prometheus.CounterVec
	reconciled      *prometheus.CounterVec
}

// NewMetricsService registers the collectors on a private registry.
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

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	runTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_runs_total",
		Help: "Allocation runs by outcome",
	}, []string{"outcome"})

	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "allocation_run_duration_seconds",
		Help:    "Wall time of allocation runs, matching and persistence included",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	allocated := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "allocation_students_allocated",
		Help: "Students allocated by the latest run of a package",
	}, []string{"package"})

	unallocated := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "allocation_students_unallocated",
		Help: "Students left unallocated by the latest run of a package",
	}, []string{"package"})

	writeFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_write_failures_total",
		Help: "Per-record persistence failures by record kind",
	}, []string{"kind"})

	reconciled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_reconcile_jobs_total",
		Help: "Reconciliation job results",
	}, []string{"result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHits, cacheMisses,
		runTotal, runDuration, allocated, unallocated, writeFailures, reconciled, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		runTotal:        runTotal,
		runDuration:     runDuration,
		allocated:       allocated,
		unallocated:     unallocated,
		writeFailures:   writeFailures,
		reconciled:      reconciled,
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// RecordCacheOperation records a cache hit or miss.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		return
	}
	m.cacheMisses.Inc()
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ObserveRun records a finished allocation run.
func (m *MetricsService) ObserveRun(run *models.AllocationRun, duration time.Duration) {
	if m == nil || run == nil {
		return
	}
	outcome := RunOutcomeSuccess
	if len(run.Failures) > 0 {
		outcome = RunOutcomePartial
	}
	m.runTotal.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(duration.Seconds())
	m.allocated.WithLabelValues(run.PackageID).Set(float64(len(run.Allocated)))
	m.unallocated.WithLabelValues(run.PackageID).Set(float64(len(run.Unallocated)))
	for _, failure := range run.Failures {
		m.writeFailures.WithLabelValues(string(failure.Kind)).Inc()
	}
}

// ObserveRunOutcome counts runs that ended before persistence.
func (m *MetricsService) ObserveRunOutcome(outcome string) {
	if m == nil {
		return
	}
	m.runTotal.WithLabelValues(outcome).Inc()
}

// ObserveReconcile counts reconciliation job results by label.
func (m *MetricsService) ObserveReconcile(result string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(result).Inc()
}
