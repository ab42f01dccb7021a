// Package observability provides metrics and tracing for the transcript pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics holds all Prometheus metrics for the transcript pipeline.
type PipelineMetrics struct {
	// Intake metrics
	WebhookRequestsTotal *prometheus.CounterVec
	NotificationsTotal   *prometheus.CounterVec

	// Discovery metrics
	FetchesTotal         *prometheus.CounterVec
	PollAttemptsTotal    *prometheus.CounterVec
	PollAttemptsPerFetch *prometheus.HistogramVec
	StageSeconds         *prometheus.HistogramVec
	ContentVariantsTotal *prometheus.CounterVec
	TranscriptEntries    prometheus.Histogram

	// Dispatcher metrics
	TasksInFlight prometheus.Gauge
	TasksTotal    *prometheus.CounterVec
}

// DefaultPipelineMetrics creates metrics registered with the default registry.
func DefaultPipelineMetrics() *PipelineMetrics {
	return NewPipelineMetrics(prometheus.DefaultRegisterer)
}

// NewPipelineMetrics creates a new set of pipeline metrics.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)

	return &PipelineMetrics{
		// Intake metrics
		WebhookRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcripts_webhook_requests_total",
				Help: "Total webhook requests by kind and HTTP status",
			},
			[]string{"kind", "status"},
		),
		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcripts_notifications_total",
				Help: "Total notifications by change type and outcome",
			},
			[]string{"change_type", "outcome"},
		),

		// Discovery metrics
		FetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcripts_fetches_total",
				Help: "Total transcript acquisitions by auth mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		PollAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcripts_poll_attempts_total",
				Help: "Total transcript list calls by auth mode and result",
			},
			[]string{"mode", "result"},
		),
		PollAttemptsPerFetch: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transcripts_poll_attempts_per_fetch",
				Help:    "List calls needed before a transcript appeared or polling gave up",
				Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
			},
			[]string{"mode"},
		),
		StageSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transcripts_stage_seconds",
				Help:    "Latency per discovery stage",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		ContentVariantsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcripts_content_variants_total",
				Help: "Transcript bodies by delivered shape",
			},
			[]string{"variant"},
		),
		TranscriptEntries: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "transcripts_entries",
				Help:    "Entries per parsed transcript",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),

		// Dispatcher metrics
		TasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "transcripts_tasks_in_flight",
				Help: "Background notification tasks currently running",
			},
		),
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcripts_tasks_total",
				Help: "Finished background tasks by status",
			},
			[]string{"status"},
		),
	}
}

// RecordWebhookRequest records a webhook response.
func (m *PipelineMetrics) RecordWebhookRequest(kind, status string) {
	m.WebhookRequestsTotal.WithLabelValues(kind, status).Inc()
}

// RecordNotification records what happened to one notification.
func (m *PipelineMetrics) RecordNotification(changeType, outcome string) {
	m.NotificationsTotal.WithLabelValues(changeType, outcome).Inc()
}

// RecordFetch records a finished acquisition.
func (m *PipelineMetrics) RecordFetch(mode, outcome string, pollAttempts int) {
	m.FetchesTotal.WithLabelValues(mode, outcome).Inc()
	if pollAttempts > 0 {
		m.PollAttemptsPerFetch.WithLabelValues(mode).Observe(float64(pollAttempts))
	}
}

// RecordPollAttempt records one transcript list call.
func (m *PipelineMetrics) RecordPollAttempt(mode, result string) {
	m.PollAttemptsTotal.WithLabelValues(mode, result).Inc()
}

// RecordStageLatency records how long a discovery stage took.
func (m *PipelineMetrics) RecordStageLatency(stage string, seconds float64) {
	m.StageSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordContentVariant records the shape a transcript body arrived in.
func (m *PipelineMetrics) RecordContentVariant(variant string) {
	m.ContentVariantsTotal.WithLabelValues(variant).Inc()
}

// RecordEntries records the size of a parsed transcript.
func (m *PipelineMetrics) RecordEntries(n int) {
	m.TranscriptEntries.Observe(float64(n))
}

// TaskStarted increments the in-flight gauge.
func (m *PipelineMetrics) TaskStarted() {
	m.TasksInFlight.Inc()
}

// TaskFinished decrements the in-flight gauge and counts the outcome.
func (m *PipelineMetrics) TaskFinished(status string) {
	m.TasksInFlight.Dec()
	m.TasksTotal.WithLabelValues(status).Inc()
}
