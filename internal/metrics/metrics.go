package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Inbound backend events
	OverheadEvents atomic.Uint64
	FrontalEvents  atomic.Uint64
	AnalysisEvents atomic.Uint64
	ClearEvents    atomic.Uint64
	UnknownEvents  atomic.Uint64

	// Frame traffic
	OverheadFrameBytes atomic.Uint64
	FrontalFrameBytes  atomic.Uint64

	// Error counters
	MalformedPayloads atomic.Uint64
	EmitErrors        atomic.Uint64

	// Backend session
	BackendConnected atomic.Uint64 // 0 = disconnected, 1 = connected
	Connects         atomic.Uint64
	Disconnects      atomic.Uint64

	// Operator commands
	ResetCommands     atomic.Uint64
	HardResetCommands atomic.Uint64
	LineCommands      atomic.Uint64
	RateLimited       atomic.Uint64

	// Dashboard clients
	MJPEGClients  atomic.Int64
	SSEClients    atomic.Int64
	WebRTCClients atomic.Int64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, value func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		value,
	))
}

func (m *Metrics) eventGauge(event string, counter *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "avc_backend_events_total",
			Help:        "Backend events received by type",
			ConstLabels: prometheus.Labels{"event": event},
		},
		func() float64 { return float64(counter.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.eventGauge("overhead_stream", &m.OverheadEvents)
	m.eventGauge("frontal_stream", &m.FrontalEvents)
	m.eventGauge("update_analysis_panel", &m.AnalysisEvents)
	m.eventGauge("clear_analysis_panel", &m.ClearEvents)
	m.eventGauge("unknown", &m.UnknownEvents)

	m.gauge("avc_overhead_frame_bytes_total", "Decoded JPEG bytes received from the overhead camera",
		func() float64 { return float64(m.OverheadFrameBytes.Load()) })
	m.gauge("avc_frontal_frame_bytes_total", "Decoded JPEG bytes received from the frontal camera",
		func() float64 { return float64(m.FrontalFrameBytes.Load()) })

	// Error metrics
	m.gauge("avc_malformed_payloads_total", "Backend payloads dropped as malformed",
		func() float64 { return float64(m.MalformedPayloads.Load()) })
	m.gauge("avc_emit_errors_total", "Commands that failed to reach the backend",
		func() float64 { return float64(m.EmitErrors.Load()) })

	// Session metrics
	m.gauge("avc_backend_connected", "Backend channel open (0=no, 1=yes)",
		func() float64 { return float64(m.BackendConnected.Load()) })
	m.gauge("avc_backend_connects_total", "Backend channels opened",
		func() float64 { return float64(m.Connects.Load()) })
	m.gauge("avc_backend_disconnects_total", "Backend channel disconnects",
		func() float64 { return float64(m.Disconnects.Load()) })

	// Command metrics
	m.gauge("avc_reset_classification_total", "reset_classification commands sent",
		func() float64 { return float64(m.ResetCommands.Load()) })
	m.gauge("avc_hard_reset_total", "hard_reset_system commands sent",
		func() float64 { return float64(m.HardResetCommands.Load()) })
	m.gauge("avc_detection_line_total", "set_detection_line commands sent",
		func() float64 { return float64(m.LineCommands.Load()) })
	m.gauge("avc_commands_rate_limited_total", "Dashboard commands rejected by the rate limiter",
		func() float64 { return float64(m.RateLimited.Load()) })

	// Client metrics
	m.gauge("avc_mjpeg_clients", "Connected MJPEG viewers",
		func() float64 { return float64(m.MJPEGClients.Load()) })
	m.gauge("avc_sse_clients", "Connected status stream clients",
		func() float64 { return float64(m.SSEClients.Load()) })
	m.gauge("avc_webrtc_clients", "Connected WebRTC state channel clients",
		func() float64 { return float64(m.WebRTCClients.Load()) })
}

// SetConnected records the backend channel state.
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.BackendConnected.Store(1)
		m.Connects.Add(1)
		return
	}
	if m.BackendConnected.Swap(0) == 1 {
		m.Disconnects.Add(1)
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
