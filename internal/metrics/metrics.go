// Package metrics exposes backend counters and gauges in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "music"

// Metrics holds application metrics on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	uploadsStaged   prometheus.Counter
	uploadsRejected *prometheus.CounterVec
	uploadBytes     prometheus.Counter

	sweepRuns    *prometheus.CounterVec
	sweepRemoved prometheus.Counter

	lifecycleState *prometheus.GaugeVec
	databaseUp     prometheus.Gauge

	realtimeConnections prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		uploadsStaged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_staged_total",
			Help:      "Files fully written to the temp directory.",
		}),
		uploadsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_rejected_total",
			Help:      "Upload requests rejected before reaching a handler.",
		}, []string{"reason"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes written to staged files.",
		}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Temp directory sweeps by outcome.",
		}, []string{"outcome"}),
		sweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_removed_total",
			Help:      "Entries removed from the temp directory.",
		}),
		lifecycleState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_state",
			Help:      "Current lifecycle state (1 for the active state).",
		}, []string{"state"}),
		databaseUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "database_up",
			Help:      "Whether the database connection is established.",
		}),
		realtimeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connections",
			Help:      "Open websocket connections.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.uploadsStaged,
		m.uploadsRejected,
		m.uploadBytes,
		m.sweepRuns,
		m.sweepRemoved,
		m.lifecycleState,
		m.databaseUp,
		m.realtimeConnections,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// UploadStaged records one staged file of size bytes.
func (m *Metrics) UploadStaged(size int64) {
	if m == nil {
		return
	}
	m.uploadsStaged.Inc()
	m.uploadBytes.Add(float64(size))
}

// UploadRejected records a rejected upload request.
func (m *Metrics) UploadRejected(reason string) {
	if m == nil {
		return
	}
	m.uploadsRejected.WithLabelValues(reason).Inc()
}

// SweepRun records one sweep with the number of removed entries.
func (m *Metrics) SweepRun(outcome string, removed int) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(outcome).Inc()
	m.sweepRemoved.Add(float64(removed))
}

// SetLifecycleState marks state as the only active one.
func (m *Metrics) SetLifecycleState(state string) {
	if m == nil {
		return
	}
	m.lifecycleState.Reset()
	m.lifecycleState.WithLabelValues(state).Set(1)
}

// SetDatabaseUp reports database connectivity.
func (m *Metrics) SetDatabaseUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.databaseUp.Set(1)
		return
	}
	m.databaseUp.Set(0)
}

// RealtimeConnected adjusts the open websocket gauge by delta.
func (m *Metrics) RealtimeConnected(delta int) {
	if m == nil {
		return
	}
	m.realtimeConnections.Add(float64(delta))
}
