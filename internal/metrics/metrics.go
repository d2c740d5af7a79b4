// Package metrics registers the Prometheus collectors for the HTTP layer
// and the conversion pipeline.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omni_http_requests_total",
			Help: "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omni_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

var (
	// JobsTotal counts finished jobs by result kind.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omni_jobs_total",
			Help: "Finished conversion jobs by result.",
		},
		[]string{"result"},
	)

	// ActiveJobs is the number of jobs currently running.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "omni_jobs_active",
		Help: "Conversion jobs currently running.",
	})

	// FilesTotal counts per-file conversion outcomes.
	FilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omni_files_total",
			Help: "Per-file conversion outcomes by category.",
		},
		[]string{"category", "result"},
	)

	// IngestTotal counts ingestion gate decisions.
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omni_ingest_total",
			Help: "Ingestion gate decisions by result.",
		},
		[]string{"result"},
	)

	// ArchiveScansTotal counts archive scanner outcomes.
	ArchiveScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omni_archive_scans_total",
			Help: "Archive scans by result.",
		},
		[]string{"result"},
	)

	toolRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omni_tool_runs_total",
			Help: "External tool invocations by tool and result.",
		},
		[]string{"tool", "result"},
	)

	toolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omni_tool_duration_seconds",
			Help:    "External tool run time in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"tool"},
	)

	// Connections is the number of open WebSocket clients.
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "omni_ws_connections",
		Help: "Open WebSocket connections.",
	})
)

// ObserveTool records one external tool run.
func ObserveTool(tool, result string, d time.Duration) {
	name := filepath.Base(tool)
	toolRunsTotal.WithLabelValues(name, result).Inc()
	toolDuration.WithLabelValues(name).Observe(d.Seconds())
}

// Middleware returns an HTTP middleware that records request count and
// duration per normalized route.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack keeps WebSocket upgrades working behind the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// normalizePath collapses per-session and per-job segments so labels stay
// bounded.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/download/"):
		return "/download/{session}/{name}"
	case strings.HasPrefix(path, "/api/jobs/"):
		return "/api/jobs/{id}"
	case strings.HasPrefix(path, "/static/"):
		return "/static/*"
	}
	return path
}
