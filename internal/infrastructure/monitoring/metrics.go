package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestrator.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Sandbox lifecycle metrics
	SandboxesActive prometheus.Gauge
	SandboxCreates  *prometheus.CounterVec
	SandboxStops    prometheus.Counter

	// Capture pipeline metrics
	CapturesTotal   *prometheus.CounterVec
	CaptureDuration *prometheus.HistogramVec
	CaptureBytes    prometheus.Histogram

	// Session enforcement metrics
	SessionsActive  prometheus.Gauge
	SessionWarnings *prometheus.CounterVec
	SessionExpiries prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	registry *prometheus.Registry
	mu       sync.RWMutex
	snapshot Snapshot
}

// Snapshot holds current metric values for the JSON status API.
type Snapshot struct {
	TotalRequests   int64 `json:"total_requests"`
	TotalErrors     int64 `json:"total_errors"`
	ActiveSandboxes int64 `json:"active_sandboxes"`
	ActiveSessions  int64 `json:"active_sessions"`
	CapturesOK      int64 `json:"captures_ok"`
	CapturesFailed  int64 `json:"captures_failed"`
}

// NewMetrics creates a new metrics collector with its own registry, so
// multiple instances (one per test, for example) never collide.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		startTime: time.Now(),
		registry:  registry,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proctor_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		SandboxesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proctor_sandboxes_active",
			Help: "Number of currently running sandboxes",
		}),
		SandboxCreates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_sandbox_creates_total",
				Help: "Sandbox create attempts by outcome",
			},
			[]string{"status"},
		),
		SandboxStops: factory.NewCounter(prometheus.CounterOpts{
			Name: "proctor_sandbox_stops_total",
			Help: "Sandbox stop requests",
		}),

		CapturesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_captures_total",
				Help: "Capture attempts by trigger and outcome",
			},
			[]string{"trigger", "status"},
		),
		CaptureDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proctor_capture_duration_seconds",
				Help:    "End-to-end capture latency",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40},
			},
			[]string{"source"},
		),
		CaptureBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "proctor_capture_artifact_bytes",
			Help:    "Encoded artifact sizes",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 10),
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proctor_sessions_active",
			Help: "Number of active timed sessions",
		}),
		SessionWarnings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_session_warnings_total",
				Help: "Session warnings fired by threshold",
			},
			[]string{"threshold"},
		),
		SessionExpiries: factory.NewCounter(prometheus.CounterOpts{
			Name: "proctor_session_expiries_total",
			Help: "Sessions that ran to expiry",
		}),

		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proctor_ws_connections",
			Help: "Active WebSocket event subscribers",
		}),

		Uptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proctor_uptime_seconds",
			Help: "Process uptime in seconds",
		}),
	}
}

// Registry exposes this instance's collector registry for the scrape
// endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if len(status) > 0 && status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordSandboxCreate records a create attempt outcome ("ok" or "error").
func (m *Metrics) RecordSandboxCreate(status string) {
	m.SandboxCreates.WithLabelValues(status).Inc()
}

// RecordCapture records a capture attempt outcome.
func (m *Metrics) RecordCapture(trigger, source, status string, duration time.Duration, sizeBytes int) {
	m.CapturesTotal.WithLabelValues(trigger, status).Inc()
	m.CaptureDuration.WithLabelValues(source).Observe(duration.Seconds())
	if sizeBytes > 0 {
		m.CaptureBytes.Observe(float64(sizeBytes))
	}

	m.mu.Lock()
	if status == "ok" {
		m.snapshot.CapturesOK++
	} else {
		m.snapshot.CapturesFailed++
	}
	m.mu.Unlock()
}

// RecordWarning records a session warning at a threshold ("300s" etc.).
func (m *Metrics) RecordWarning(threshold string) {
	m.SessionWarnings.WithLabelValues(threshold).Inc()
}

// SetActiveSandboxes updates the active sandbox gauge and snapshot.
func (m *Metrics) SetActiveSandboxes(n int) {
	m.SandboxesActive.Set(float64(n))
	m.mu.Lock()
	m.snapshot.ActiveSandboxes = int64(n)
	m.mu.Unlock()
}

// SetActiveSessions updates the active session gauge and snapshot.
func (m *Metrics) SetActiveSessions(n int) {
	m.SessionsActive.Set(float64(n))
	m.mu.Lock()
	m.snapshot.ActiveSessions = int64(n)
	m.mu.Unlock()
}

// GetSnapshot returns current values for the JSON status API.
func (m *Metrics) GetSnapshot() Snapshot {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
