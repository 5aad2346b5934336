package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Roster update outcomes recorded by MetricsService.
const (
	RosterOutcomeApplied = "applied"
	RosterOutcomeSkipped = "skipped"
	RosterOutcomeInvalid = "invalid"
	RosterOutcomeFailed  = "failed"
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
	rosterUpdates   *prometheus.CounterVec
	rosterDuration  *prometheus.HistogramVec
	txConflicts     prometheus.Counter
	triggerEvents   *prometheus.CounterVec
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

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
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

	rosterUpdates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roster_updates_total",
		Help: "Enrollment trigger invocations by event and outcome",
	}, []string{"event", "outcome"})

	rosterDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roster_update_duration_seconds",
		Help:    "Duration of roster transactions including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"event"})

	txConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docstore_transaction_conflicts_total",
		Help: "Transaction attempts that lost an optimistic concurrency check",
	})

	triggerEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trigger_events_total",
		Help: "Enrollment events received by transport and result",
	}, []string{"transport", "result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHits, cacheMisses,
		rosterUpdates, rosterDuration, txConflicts, triggerEvents, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		rosterUpdates:   rosterUpdates,
		rosterDuration:  rosterDuration,
		txConflicts:     txConflicts,
		triggerEvents:   triggerEvents,
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

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// RecordCacheOperation records cache hit/miss metrics.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ObserveRosterUpdate records the outcome of one trigger invocation.
func (m *MetricsService) ObserveRosterUpdate(event, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.rosterUpdates.WithLabelValues(event, outcome).Inc()
	m.rosterDuration.WithLabelValues(event).Observe(duration.Seconds())
}

// RecordTransactionConflict counts a lost optimistic concurrency check. Matches docstore.Options.OnConflict.
func (m *MetricsService) RecordTransactionConflict(int) {
	if m == nil {
		return
	}
	m.txConflicts.Inc()
}

// RecordTriggerEvent counts an event handed over by a trigger transport.
func (m *MetricsService) RecordTriggerEvent(transport, result string) {
	if m == nil {
		return
	}
	m.triggerEvents.WithLabelValues(transport, result).Inc()
}
