package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for calling sessions.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive     prometheus.Gauge
	StatusTransitions  *prometheus.CounterVec
	SessionDuration    *prometheus.HistogramVec
	ReconnectAttempts  prometheus.Counter
	ReconnectExhausted prometheus.Counter

	// Protocol metrics
	FramesTotal   *prometheus.CounterVec
	FramesDropped prometheus.Counter

	// Call-control metrics
	CallsTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all instruments registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_dialer"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions not in the disconnected state",
		},
	)

	statusTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_status_transitions_total",
			Help:      "Session status transitions by target status",
		},
		[]string{"status"},
	)

	sessionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Time from first connect to disconnect",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"mode"},
	)

	reconnectAttempts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts scheduled after an unexpected close",
		},
	)

	reconnectExhausted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_exhausted_total",
			Help:      "Sessions dropped after exhausting reconnection attempts",
		},
	)

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound protocol frames dispatched, by type",
		},
		[]string{"type"},
	)

	framesDropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped as malformed or unknown",
		},
	)

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Call-control operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors surfaced to session observers",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(
		sessionsActive,
		statusTransitions,
		sessionDuration,
		reconnectAttempts,
		reconnectExhausted,
		framesTotal,
		framesDropped,
		callsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:           registry,
		SessionsActive:     sessionsActive,
		StatusTransitions:  statusTransitions,
		SessionDuration:    sessionDuration,
		ReconnectAttempts:  reconnectAttempts,
		ReconnectExhausted: reconnectExhausted,
		FramesTotal:        framesTotal,
		FramesDropped:      framesDropped,
		CallsTotal:         callsTotal,
		ErrorsTotal:        errorsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordStatus records a transition from one status to another.
func (m *Metrics) RecordStatus(from, to string) {
	if m == nil || from == to {
		return
	}
	m.StatusTransitions.WithLabelValues(to).Inc()
	switch {
	case from == "disconnected":
		m.SessionsActive.Inc()
	case to == "disconnected":
		m.SessionsActive.Dec()
	}
}

// RecordSessionEnd observes the lifetime of a session that had connected.
func (m *Metrics) RecordSessionEnd(simulated bool, duration time.Duration) {
	if m == nil {
		return
	}
	mode := "live"
	if simulated {
		mode = "simulated"
	}
	m.SessionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) RecordReconnectExhausted() {
	if m == nil {
		return
	}
	m.ReconnectExhausted.Inc()
}

func (m *Metrics) RecordFrame(msgType string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordDroppedFrame() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// RecordCall records a call-control operation ("initiate" or "hangup").
func (m *Metrics) RecordCall(op, outcome string) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
