// Package metrics provides Prometheus metrics for the compass server
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Diagnosis outcomes used as label values.
const (
	OutcomeSuccess       = "success"
	OutcomeCommunication = "communication_error"
	OutcomeConfiguration = "configuration_error"
)

// Metrics holds all Prometheus metrics for the compass server.  A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ConversationsStarted prometheus.Counter
	ConversationsActive  prometheus.Gauge
	ConversationResets   prometheus.Counter
	ConversationsExpired prometheus.Counter
	AnswersTotal         *prometheus.CounterVec

	DiagnosesTotal   *prometheus.CounterVec
	DiagnosisLatency prometheus.Histogram

	HTTPRequestsTotal *prometheus.CounterVec
}

// New creates the metrics and registers them with reg.  Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{}

	m.ConversationsStarted = f.NewCounter(
		prometheus.CounterOpts{
			Name: "compass_conversations_started_total",
			Help: "Total number of conversations started, including restarts",
		},
	)

	m.ConversationsActive = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "compass_conversations_active",
			Help: "Number of conversations currently held in memory",
		},
	)

	m.ConversationResets = f.NewCounter(
		prometheus.CounterOpts{
			Name: "compass_conversation_resets_total",
			Help: "Total number of explicit conversation resets",
		},
	)

	m.ConversationsExpired = f.NewCounter(
		prometheus.CounterOpts{
			Name: "compass_conversations_expired_total",
			Help: "Total number of conversations discarded after sitting idle",
		},
	)

	m.AnswersTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compass_answers_total",
			Help: "Total number of recorded answers",
		},
		[]string{"question_id"},
	)

	m.DiagnosesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compass_diagnoses_total",
			Help: "Total number of diagnosis requests by outcome",
		},
		[]string{"outcome"},
	)

	m.DiagnosisLatency = f.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "compass_diagnosis_duration_seconds",
			Help:    "Duration of diagnosis requests in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
	)

	m.HTTPRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compass_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"route", "status"},
	)

	return m
}

// RecordStart records a conversation (re)starting its greeting sequence.
func (m *Metrics) RecordStart() {
	if m == nil {
		return
	}
	m.ConversationsStarted.Inc()
}

// RecordReset records an explicit reset.
func (m *Metrics) RecordReset() {
	if m == nil {
		return
	}
	m.ConversationResets.Inc()
}

// RecordExpired records conversations discarded by the idle sweep.
func (m *Metrics) RecordExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ConversationsExpired.Add(float64(n))
}

// RecordAnswer records one answered question.
func (m *Metrics) RecordAnswer(questionID string) {
	if m == nil {
		return
	}
	m.AnswersTotal.WithLabelValues(questionID).Inc()
}

// RecordDiagnosis records a finished diagnosis request.
func (m *Metrics) RecordDiagnosis(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DiagnosesTotal.WithLabelValues(outcome).Inc()
	m.DiagnosisLatency.Observe(duration.Seconds())
}

// SetActive sets the number of in-memory conversations.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ConversationsActive.Set(float64(n))
}

// RecordHTTPRequest records an API request.
func (m *Metrics) RecordHTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
