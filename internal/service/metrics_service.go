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
// allocation engine.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	runsTotal       *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	stageUtility    *prometheus.GaugeVec
	unresolvedTotal *prometheus.GaugeVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
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

	runsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_runs_total",
		Help: "Total allocation runs by strategy and outcome",
	}, []string{"strategy", "status"})

	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "allocation_stage_duration_seconds",
		Help:    "Solve duration per allocation stage",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"stage", "strategy"})

	stageUtility := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "allocation_stage_total_utility",
		Help: "Total preference utility achieved in the latest run per stage",
	}, []string{"stage"})

	unresolvedTotal := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "allocation_unresolved_issues",
		Help: "Unresolved issues in the latest run per stage",
	}, []string{"stage"})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, runsTotal, stageDuration, stageUtility, unresolvedTotal, cacheHits, cacheMisses, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		runsTotal:       runsTotal,
		stageDuration:   stageDuration,
		stageUtility:    stageUtility,
		unresolvedTotal: unresolvedTotal,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
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

// ObserveRun counts a finished run by strategy and terminal status.
func (m *MetricsService) ObserveRun(strategy, status string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(strategy, status).Inc()
}

// ObserveStage records solve time, utility, and unresolved count for one
// allocation stage.
func (m *MetricsService) ObserveStage(stage, strategy string, solveTime time.Duration, totalUtility, unresolved int) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, strategy).Observe(solveTime.Seconds())
	m.stageUtility.WithLabelValues(stage).Set(float64(totalUtility))
	m.unresolvedTotal.WithLabelValues(stage).Set(float64(unresolved))
}

// RecordCacheOperation counts cache lookups.
func (m *MetricsService) RecordCacheOperation(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}
