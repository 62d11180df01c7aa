package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the voice engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	ConnectionStates  *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	Frames            *prometheus.CounterVec
	DroppedFrames     *prometheus.CounterVec
	Errors            *prometheus.CounterVec
	AgentLatency      *prometheus.HistogramVec
	ActiveSources     prometheus.Gauge

	window *latencyWindow
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active voice sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		ConnectionStates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_state_transitions_total",
			Help:      "Agent connection state transitions by target state.",
		}, []string{"state"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts scheduled.",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Agent connection frames by direction and kind.",
		}, []string{"direction", "kind"}),
		DroppedFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Frames dropped by direction and reason.",
		}, []string{"direction", "reason"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Voice engine errors by kind.",
		}, []string{"kind"}),
		AgentLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_latency_ms",
			Help:      "Agent-reported latency in milliseconds by stage.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 3500},
		}, []string{"stage"}),
		ActiveSources: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_active_sources",
			Help:      "Audio buffers scheduled or playing.",
		}),
		window: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveFrame(direction, kind string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) ObserveDrop(direction, reason string) {
	if m == nil {
		return
	}
	m.DroppedFrames.WithLabelValues(direction, reason).Inc()
}

func (m *Metrics) ObserveError(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveConnectionState(state string) {
	if m == nil {
		return
	}
	m.ConnectionStates.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) AddActiveSources(delta int) {
	if m == nil {
		return
	}
	m.ActiveSources.Add(float64(delta))
}

// ObserveAgentLatency records an agent latency report given in seconds.
func (m *Metrics) ObserveAgentLatency(stage string, seconds float64) {
	if m == nil {
		return
	}
	ms := seconds * 1000
	m.AgentLatency.WithLabelValues(stage).Observe(ms)
	m.window.Observe(stage, ms)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.window.ObserveIndicator(name)
}

func (m *Metrics) LatencySnapshot() LatencySnapshot {
	if m == nil {
		return newLatencyWindow(1).Snapshot()
	}
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
