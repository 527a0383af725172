package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the broker.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Client metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	PublishRetries  *prometheus.CounterVec
	PollsTotal      *prometheus.CounterVec

	// Worker metrics
	MessagesTotal       *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	ExecutionAttempts   *prometheus.HistogramVec
	DeadLettered        prometheus.Counter
	DecodeFailures      prometheus.Counter
	DuplicatesSkipped   prometheus.Counter
	ExpiredDropped      prometheus.Counter
	BackendAvailable    prometheus.Gauge
	BackendOutages      prometheus.Counter
	ActiveConsumers     prometheus.Gauge
	ResultWriteFailures prometheus.Counter

	// Load generator metrics
	SessionsActive prometheus.Gauge
	SessionActions *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mimus_client_requests_total",
				Help: "Total number of broker requests by outcome",
			},
			[]string{"operation", "outcome"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mimus_client_request_duration_seconds",
				Help:    "Time from publish to observed result",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		PublishRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mimus_client_publish_retries_total",
				Help: "Total number of publish retries after queue failures",
			},
			[]string{"operation"},
		),

		PollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mimus_client_polls_total",
				Help: "Total number of result store lookups",
			},
			[]string{"operation"},
		),

		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mimus_worker_messages_total",
				Help: "Total number of consumed messages by operation and status",
			},
			[]string{"operation", "status"},
		),

		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mimus_worker_execution_duration_seconds",
				Help:    "Duration of backend execution including local retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		ExecutionAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mimus_worker_execution_attempts",
				Help:    "Backend executions needed per delivery",
				Buckets: []float64{1, 2, 3, 5, 8, 13},
			},
			[]string{"operation"},
		),

		DeadLettered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mimus_worker_dead_lettered_total",
				Help: "Total number of undecodable messages sent to the dead-letter topic",
			},
		),

		DecodeFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mimus_worker_decode_failures_total",
				Help: "Total number of undecodable messages",
			},
		),

		DuplicatesSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mimus_worker_duplicates_skipped_total",
				Help: "Total number of redeliveries acked because a result already existed",
			},
		),

		ExpiredDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mimus_worker_expired_dropped_total",
				Help: "Total number of envelopes dropped after their caller stopped waiting",
			},
		),

		BackendAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mimus_worker_backend_available",
				Help: "1 when the relational backend is reachable, 0 otherwise",
			},
		),

		BackendOutages: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mimus_worker_backend_outages_total",
				Help: "Total number of times a worker started waiting for the backend",
			},
		),

		ActiveConsumers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mimus_worker_active_consumers",
				Help: "Number of running consume loops",
			},
		),

		ResultWriteFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mimus_worker_result_write_failures_total",
				Help: "Total number of failed result store writes",
			},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mimus_loadgen_sessions_active",
				Help: "Number of running simulated sessions",
			},
		),

		SessionActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mimus_loadgen_session_actions_total",
				Help: "Total number of session actions by outcome",
			},
			[]string{"action", "outcome"},
		),
	}
}

// RecordRequest records a completed client request
func (m *Metrics) RecordRequest(operation, outcome string, duration float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, outcome).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(duration)
}

// RecordPublishRetry records a publish retry
func (m *Metrics) RecordPublishRetry(operation string) {
	if m == nil {
		return
	}
	m.PublishRetries.WithLabelValues(operation).Inc()
}

// RecordPoll records a result store lookup
func (m *Metrics) RecordPoll(operation string) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(operation).Inc()
}

// RecordMessage records a processed message
func (m *Metrics) RecordMessage(operation, status string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(operation, status).Inc()
}

// RecordExecution records backend execution of one delivery
func (m *Metrics) RecordExecution(operation string, attempts int, duration float64) {
	if m == nil {
		return
	}
	m.ExecutionDuration.WithLabelValues(operation).Observe(duration)
	m.ExecutionAttempts.WithLabelValues(operation).Observe(float64(attempts))
}

// RecordDecodeFailure records an undecodable message and whether it was dead-lettered
func (m *Metrics) RecordDecodeFailure(deadLettered bool) {
	if m == nil {
		return
	}
	m.DecodeFailures.Inc()
	if deadLettered {
		m.DeadLettered.Inc()
	}
}

// RecordDuplicate records a redelivery short-circuited by an existing result
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.DuplicatesSkipped.Inc()
}

// RecordExpired records an envelope dropped past its deadline
func (m *Metrics) RecordExpired() {
	if m == nil {
		return
	}
	m.ExpiredDropped.Inc()
}

// RecordResultWriteFailure records a failed result store write
func (m *Metrics) RecordResultWriteFailure() {
	if m == nil {
		return
	}
	m.ResultWriteFailures.Inc()
}

// SetBackendAvailable updates the backend availability gauge
func (m *Metrics) SetBackendAvailable(available bool) {
	if m == nil {
		return
	}
	if available {
		m.BackendAvailable.Set(1)
		return
	}
	m.BackendAvailable.Set(0)
	m.BackendOutages.Inc()
}

// ConsumerStarted increments the running consume loops gauge
func (m *Metrics) ConsumerStarted() {
	if m == nil {
		return
	}
	m.ActiveConsumers.Inc()
}

// ConsumerStopped decrements the running consume loops gauge
func (m *Metrics) ConsumerStopped() {
	if m == nil {
		return
	}
	m.ActiveConsumers.Dec()
}

// SessionStarted increments the running sessions gauge
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionStopped decrements the running sessions gauge
func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// RecordSessionAction records one simulated player action
func (m *Metrics) RecordSessionAction(action, outcome string) {
	if m == nil {
		return
	}
	m.SessionActions.WithLabelValues(action, outcome).Inc()
}
