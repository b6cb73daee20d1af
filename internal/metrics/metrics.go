// Package metrics exposes Prometheus metrics for the voice session core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one process. Each instance has its own
// registry so tests can create as many as they like. All methods are safe on
// a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	StateTransitions  *prometheus.CounterVec
	TurnsTotal        *prometheus.CounterVec
	BargeInsTotal     prometheus.Counter
	UploadBytesTotal  prometheus.Counter
	FirstTokenLatency *prometheus.HistogramVec
	SessionsActive    prometheus.Gauge
}

// New creates a Metrics instance with all collectors registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicedesk"
	}

	registry := prometheus.NewRegistry()

	stateTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of voice state transitions",
		},
		[]string{"from", "to"},
	)

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of turns by path and outcome",
		},
		[]string{"path", "outcome"}, // path: voice, text
	)

	bargeInsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Total number of playbacks interrupted by the user",
		},
	)

	uploadBytesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Total recorded audio bytes uploaded",
		},
	)

	firstTokenLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_token_seconds",
			Help:      "Time from turn submission to the first assistant token",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"path"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_sessions_active",
			Help:      "Number of voice sessions not in Idle",
		},
	)

	registry.MustRegister(
		stateTransitions,
		turnsTotal,
		bargeInsTotal,
		uploadBytesTotal,
		firstTokenLatency,
		sessionsActive,
	)

	return &Metrics{
		registry:          registry,
		StateTransitions:  stateTransitions,
		TurnsTotal:        turnsTotal,
		BargeInsTotal:     bargeInsTotal,
		UploadBytesTotal:  uploadBytesTotal,
		FirstTokenLatency: firstTokenLatency,
		SessionsActive:    sessionsActive,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransition records a voice state change. Entering or leaving Idle
// adjusts the active-session gauge.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
	switch {
	case from == "Idle" && to != "Idle":
		m.SessionsActive.Inc()
	case from != "Idle" && to == "Idle":
		m.SessionsActive.Dec()
	}
}

// RecordTurn records a finished turn. outcome is ok, error, cancelled or empty.
func (m *Metrics) RecordTurn(path, outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(path, outcome).Inc()
}

// RecordBargeIn records an interrupted playback.
func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	m.BargeInsTotal.Inc()
}

// RecordUpload records the size of an uploaded recording.
func (m *Metrics) RecordUpload(bytes int) {
	if m == nil {
		return
	}
	m.UploadBytesTotal.Add(float64(bytes))
}

// ObserveFirstToken records first-token latency.
func (m *Metrics) ObserveFirstToken(path string, d time.Duration) {
	if m == nil {
		return
	}
	m.FirstTokenLatency.WithLabelValues(path).Observe(d.Seconds())
}
