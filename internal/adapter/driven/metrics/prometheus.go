package metrics

import (
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CallMetrics implements port.CallMetrics for the agent.
type CallMetrics struct {
	callsStarted *prometheus.CounterVec
	callsEnded   *prometheus.CounterVec
	callsActive  prometheus.Gauge
	setupSeconds *prometheus.HistogramVec
	callDuration prometheus.Histogram
	staleEvents  *prometheus.CounterVec
}

func NewCallMetrics(reg prometheus.Registerer) *CallMetrics {
	f := promauto.With(reg)
	return &CallMetrics{
		callsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "calls_started_total",
			Help: "Calls created, by local role and call type",
		}, []string{"role", "type"}),
		callsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "calls_ended_total",
			Help: "Calls that reached a terminal state, by status and reason",
		}, []string{"status", "reason"}),
		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "calls_active",
			Help: "Calls currently between creation and termination",
		}),
		setupSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "call_setup_duration_seconds",
			Help:    "Time from call creation to media connected",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
		}, []string{"role"}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "call_duration_seconds",
			Help:    "Duration of connected calls",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}),
		staleEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "call_stale_events_total",
			Help: "Events dropped because they did not match the current call state",
		}, []string{"event"}),
	}
}

func (m *CallMetrics) CallStarted(role domain.Role, callType domain.CallType) {
	m.callsStarted.WithLabelValues(string(role), string(callType)).Inc()
	m.callsActive.Inc()
}

func (m *CallMetrics) CallConnected(role domain.Role, setup time.Duration) {
	m.setupSeconds.WithLabelValues(string(role)).Observe(setup.Seconds())
}

func (m *CallMetrics) CallEnded(status domain.CallStatus, reason domain.EndReasonKind, duration time.Duration) {
	m.callsEnded.WithLabelValues(string(status), string(reason)).Inc()
	m.callsActive.Dec()
	if duration > 0 {
		m.callDuration.Observe(duration.Seconds())
	}
}

func (m *CallMetrics) StaleEvent(kind domain.EventKind) {
	m.staleEvents.WithLabelValues(string(kind)).Inc()
}

// RelayMetrics implements port.RelayMetrics for the signaling server.
type RelayMetrics struct {
	connections prometheus.Gauge
	relayed     *prometheus.CounterVec
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	f := promauto.With(reg)
	return &RelayMetrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Open signaling websocket connections",
		}),
		relayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signals_relayed_total",
			Help: "Signals handled by the relay, by event and outcome",
		}, []string{"event", "outcome"}),
	}
}

func (m *RelayMetrics) ConnectionOpened() {
	m.connections.Inc()
}

func (m *RelayMetrics) ConnectionClosed() {
	m.connections.Dec()
}

func (m *RelayMetrics) SignalRelayed(kind domain.EventKind, outcome string) {
	m.relayed.WithLabelValues(string(kind), outcome).Inc()
}
