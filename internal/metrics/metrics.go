// Package metrics exposes Prometheus instruments for provider calls, caching,
// map composition and the HTTP server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quakemap",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quakemap",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "path"})

	// ProviderRequests counts outbound provider requests by final outcome.
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quakemap",
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "Total outbound provider requests",
	}, []string{"host", "outcome"})

	ProviderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quakemap",
		Subsystem: "provider",
		Name:      "request_duration_seconds",
		Help:      "Outbound provider request latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"host"})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quakemap",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total response cache hits",
	}, []string{"cache"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quakemap",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total response cache misses",
	}, []string{"cache"})

	EventsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quakemap",
		Subsystem: "usgs",
		Name:      "events_fetched_total",
		Help:      "Total seismic events returned by the event service",
	})

	TilesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quakemap",
		Subsystem: "imagery",
		Name:      "tiles_fetched_total",
		Help:      "Total imagery tiles fetched",
	}, []string{"provider"})

	CoverageFraction = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quakemap",
		Subsystem: "imagery",
		Name:      "coverage_fraction",
		Help:      "Fraction of the requested region covered by imagery",
		Buckets:   []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1},
	})

	MarkersFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quakemap",
		Subsystem: "compose",
		Name:      "markers_flagged_total",
		Help:      "Total event markers rendered without imagery context",
	})

	RendersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quakemap",
		Subsystem: "pipeline",
		Name:      "renders_total",
		Help:      "Total pipeline runs by status",
	}, []string{"status"})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quakemap",
		Subsystem: "pipeline",
		Name:      "phase_duration_seconds",
		Help:      "Duration of pipeline phases",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"phase"})
)

// Middleware records request metrics using the chi route pattern as the path
// label so IDs and tile coordinates don't explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
