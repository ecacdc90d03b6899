// Package metrics publishes Prometheus instrumentation for the request
// pipeline: action execution, cache operations, and SQL query runs.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLoad records cache load calls.
	CacheOperationLoad CacheOperation = "load"
	// CacheOperationSave records cache save attempts.
	CacheOperationSave CacheOperation = "save"
	// CacheOperationDestroy records cache destroy calls.
	CacheOperationDestroy CacheOperation = "destroy"
)

// CacheOutcome captures the result of a cache operation.
type CacheOutcome string

const (
	// CacheHit indicates a load returned a live entry.
	CacheHit CacheOutcome = "hit"
	// CacheMiss indicates a load found no entry or an expired one.
	CacheMiss CacheOutcome = "miss"
	// CacheOK indicates a save or destroy succeeded.
	CacheOK CacheOutcome = "ok"
	// CacheError indicates the operation failed.
	CacheError CacheOutcome = "error"
)

// QueryOutcome captures the result of a query execution.
type QueryOutcome string

const (
	// QueryOK indicates the query completed.
	QueryOK QueryOutcome = "ok"
	// QueryError indicates the query failed at any stage.
	QueryError QueryOutcome = "error"
)

// Recorder publishes Prometheus metrics for pipeline activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	actionRequests *prometheus.CounterVec
	actionLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	queryExecutions *prometheus.CounterVec
	queryLatency    *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	actionRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apicore",
		Subsystem: "action",
		Name:      "requests_total",
		Help:      "Total action requests processed by the pipeline.",
	}, []string{"action", "status_code", "from_cache"})

	actionLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "apicore",
		Subsystem: "action",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed action requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"action", "status_code"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apicore",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache store operations executed by the pipeline.",
	}, []string{"scope", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "apicore",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"scope", "operation", "result"})

	queryExecutions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apicore",
		Subsystem: "query",
		Name:      "executions_total",
		Help:      "Named SQL query executions.",
	}, []string{"query", "result"})

	queryLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "apicore",
		Subsystem: "query",
		Name:      "execution_duration_seconds",
		Help:      "Latency distribution for named SQL query executions.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"query", "result"})

	reg.MustRegister(actionRequests, actionLatency, cacheOperations, cacheLatency, queryExecutions, queryLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		actionRequests:  actionRequests,
		actionLatency:   actionLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		queryExecutions: queryExecutions,
		queryLatency:    queryLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveAction records the outcome and latency for a completed action
// request.
func (r *Recorder) ObserveAction(action string, statusCode int, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	actionLabel := normalizeLabel(action)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.actionRequests.WithLabelValues(actionLabel, statusLabel, cacheLabel).Inc()
	r.actionLatency.WithLabelValues(actionLabel, statusLabel).Observe(duration.Seconds())
}

// ObserveCache records one cache operation. Scope distinguishes the caller
// cache from the response cache.
func (r *Recorder) ObserveCache(scope string, op CacheOperation, result CacheOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(op)
	if opLabel == "" {
		opLabel = string(CacheOperationLoad)
	}
	resLabel := normalizeLabel(string(result))
	scopeLabel := normalizeLabel(scope)
	r.cacheOperations.WithLabelValues(scopeLabel, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(scopeLabel, opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveQuery records one named query execution.
func (r *Recorder) ObserveQuery(query string, result QueryOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resLabel := normalizeLabel(string(result))
	queryLabel := normalizeLabel(query)
	r.queryExecutions.WithLabelValues(queryLabel, resLabel).Inc()
	r.queryLatency.WithLabelValues(queryLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
