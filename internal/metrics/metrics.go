// Package metrics holds the Prometheus collectors for pipeline runs, the
// cache and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_pipeline_runs_total",
			Help: "Pipeline executions by outcome.",
		},
		[]string{"outcome"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_pipeline_duration_seconds",
			Help:    "Wall time of a pipeline execution.",
			Buckets: prometheus.DefBuckets,
		},
	)

	OperatorRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_operator_rows_total",
			Help: "Rows emitted per operator kind.",
		},
		[]string{"type"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_cache_hits_total",
			Help: "Pulls answered from the local cache.",
		},
		[]string{"source"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_cache_misses_total",
			Help: "Pulls that went to the connector.",
		},
		[]string{"source"},
	)

	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_cache_rows_written_total",
			Help: "Rows upserted into the cache by store.",
		},
		[]string{"source"},
	)

	StagedActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_staged_actions_total",
			Help: "Staged action transitions by resulting status.",
		},
		[]string{"status"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_http_requests_total",
			Help: "HTTP requests served by the API.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := normalizePath(r.URL.Path)
		httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
		httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// normalizePath collapses id segments so label cardinality stays bounded.
// /v0/manifests/abc/execute -> /v0/manifests/{id}/execute
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		switch parts[i-1] {
		case "manifests", "staged":
			if parts[i] != "" && parts[i] != "validate" {
				parts[i] = "{id}"
			}
		}
	}
	return strings.Join(parts, "/")
}
