package coursechat

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments a Session. A nil *Metrics records nothing.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	session := coursechat.NewSession(cfg, coursechat.WithMetrics(coursechat.NewMetrics(reg)))
type Metrics struct {
	// ConnectionState is the numeric ConnectionState of the push connection.
	ConnectionState prometheus.Gauge

	// Transitions counts state machine transitions.
	// Labels: from, to
	Transitions *prometheus.CounterVec

	// ReconnectAttempts counts handshake attempts made by the reconnect loop.
	ReconnectAttempts prometheus.Counter

	// StoreMessages counts messages merged into the store.
	// Labels: source (push|history|cache|local|ack)
	StoreMessages *prometheus.CounterVec

	// Sends counts outgoing message outcomes.
	// Labels: outcome (sent|failed|timeout|rejected)
	Sends *prometheus.CounterVec

	// ProtocolErrors counts dropped events.
	// Labels: event
	ProtocolErrors *prometheus.CounterVec

	// HistoryFetchDuration measures paginated history fetches in seconds.
	// Labels: page (initial|older), status (success|error)
	HistoryFetchDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// registers with the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "coursechat_connection_state",
			Help: "Current push connection state (0=disconnected,1=connecting,2=connected,3=reconnecting,4=failed)",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coursechat_connection_transitions_total",
			Help: "Connection state transitions by source and target state",
		}, []string{"from", "to"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "coursechat_reconnect_attempts_total",
			Help: "Handshake attempts made while reconnecting",
		}),
		StoreMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coursechat_store_messages_total",
			Help: "Messages merged into the message store by source",
		}, []string{"source"}),
		Sends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coursechat_sends_total",
			Help: "Outgoing message outcomes",
		}, []string{"outcome"}),
		ProtocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coursechat_protocol_errors_total",
			Help: "Events dropped because they could not be parsed or matched",
		}, []string{"event"}),
		HistoryFetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coursechat_history_fetch_duration_seconds",
			Help:    "Duration of paginated history fetches in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"page", "status"}),
	}
}

func (m *Metrics) transition(t Transition) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(t.To))
	m.Transitions.WithLabelValues(t.From.String(), t.To.String()).Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) stored(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.StoreMessages.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) send(outcome string) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) protocolError(event EventType) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(string(event)).Inc()
}

func (m *Metrics) historyFetch(page string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.HistoryFetchDuration.WithLabelValues(page, status).Observe(time.Since(start).Seconds())
}
