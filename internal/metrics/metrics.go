// Package metrics provides Prometheus metrics for the ATC service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "atc"

// Manager owns the service's collectors. A nil *Manager is valid and records nothing.
type Manager struct {
	registry *prometheus.Registry

	uploads          *prometheus.CounterVec
	primaryFailures  *prometheus.CounterVec
	fallbackWrites   *prometheus.CounterVec
	fallbackReads    prometheus.Counter
	collaboratorErrs *prometheus.CounterVec
	finalScore       prometheus.Histogram
	httpDuration     *prometheus.HistogramVec
}

// NewManager registers all collectors on a fresh registry.
func NewManager() *Manager {
	reg := prometheus.NewRegistry()
	auto := promauto.With(reg)

	return &Manager{
		registry: reg,
		uploads: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Processed uploads by view type and outcome.",
		}, []string{"view_type", "outcome"}),
		primaryFailures: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "primary_failures_total",
			Help:      "Primary store operations that failed and were recovered locally.",
		}, []string{"operation"}),
		fallbackWrites: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "fallback_writes_total",
			Help:      "Fallback record file writes by result.",
		}, []string{"result"}),
		fallbackReads: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "fallback_reads_total",
			Help:      "Records served from the fallback file instead of the primary store.",
		}),
		collaboratorErrs: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vision",
			Name:      "collaborator_errors_total",
			Help:      "Calibration and pose collaborator failures.",
		}, []string{"collaborator"}),
		finalScore: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "final_score",
			Help:      "Final conformation score after each governing-view upload.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		}),
		httpDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route, method and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status_code"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveUpload counts a processed upload.
func (m *Manager) ObserveUpload(viewType, outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(viewType, outcome).Inc()
}

// ObservePrimaryFailure counts a primary-store failure for operation.
func (m *Manager) ObservePrimaryFailure(operation string) {
	if m == nil {
		return
	}
	m.primaryFailures.WithLabelValues(operation).Inc()
}

// ObserveFallbackWrite counts a fallback file write.
func (m *Manager) ObserveFallbackWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fallbackWrites.WithLabelValues(result).Inc()
}

// ObserveFallbackRead counts a record served from the fallback file.
func (m *Manager) ObserveFallbackRead() {
	if m == nil {
		return
	}
	m.fallbackReads.Inc()
}

// ObserveCollaboratorError counts a failed collaborator call.
func (m *Manager) ObserveCollaboratorError(collaborator string) {
	if m == nil {
		return
	}
	m.collaboratorErrs.WithLabelValues(collaborator).Inc()
}

// ObserveFinalScore records an animal's recomputed final score.
func (m *Manager) ObserveFinalScore(score float64) {
	if m == nil {
		return
	}
	m.finalScore.Observe(score)
}

// GinMiddleware records request latency per matched route.
func (m *Manager) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpDuration.
			WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
