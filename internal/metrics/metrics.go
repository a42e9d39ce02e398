// Package metrics exposes Prometheus collectors for evaluations, storage
// transactions, similarity lookups, the event bus and HTTP traffic.
//
// All collectors live on a registry owned by Metrics; nothing is registered
// globally. Record methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/notegrade/notegrade/internal/bucket"
)

const namespace = "notegrade"

// unitBuckets spans scores in [0,1].
var unitBuckets = prometheus.LinearBuckets(0.1, 0.1, 10)

// Metrics holds all application metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Evaluation metrics
	Evaluations          *prometheus.CounterVec // labels: bucket
	DuplicateEvaluations prometheus.Counter
	EvaluationErrors     *prometheus.CounterVec // labels: code
	BucketChanges        *prometheus.CounterVec // labels: from, to
	CriticalQuality      prometheus.Counter
	QualityScore         prometheus.Histogram
	ImprovementScore     prometheus.Histogram
	EvaluationDuration   prometheus.Histogram

	// Storage transaction metrics
	TxRetries            prometheus.Counter
	TxConflictsExhausted prometheus.Counter

	// Similarity metrics
	SimilarityRequests *prometheus.CounterVec   // labels: provider, outcome
	SimilarityLatency  *prometheus.HistogramVec // labels: provider

	// Bus metrics
	BusEventsPublished *prometheus.CounterVec   // labels: topic, kind
	BusErrors          *prometheus.CounterVec   // labels: topic, kind
	BusPublishLatency  *prometheus.HistogramVec // labels: topic
	BusEventsReceived  *prometheus.CounterVec   // labels: kind

	// HTTP metrics
	HTTPRequests         *prometheus.CounterVec   // labels: method, path, status
	HTTPDuration         *prometheus.HistogramVec // labels: method, path
	HTTPRequestsInFlight prometheus.Gauge
}

// New creates a metrics instance on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers every collector on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Evaluations stored, by recommended bucket.",
		}, []string{"bucket"}),
		DuplicateEvaluations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_evaluations_total",
			Help:      "Evaluate calls answered with an existing evaluation.",
		}),
		EvaluationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_errors_total",
			Help:      "Failed evaluate calls, by error code.",
		}, []string{"code"}),
		BucketChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bucket_changes_total",
			Help:      "Evaluations that moved a speaker between buckets.",
		}, []string{"from", "to"}),
		CriticalQuality: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_quality_total",
			Help:      "Evaluations flagged critical_low_quality.",
		}),
		QualityScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quality_score",
			Help:      "Distribution of stored quality scores.",
			Buckets:   unitBuckets,
		}),
		ImprovementScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "improvement_score",
			Help:      "Distribution of stored improvement scores.",
			Buckets:   unitBuckets,
		}),
		EvaluationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "End-to-end evaluate latency.",
			Buckets:   prometheus.DefBuckets,
		}),

		TxRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_retries_total",
			Help:      "Speaker transactions retried after a conflict.",
		}),
		TxConflictsExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_conflicts_exhausted_total",
			Help:      "Speaker transactions that still conflicted after the last attempt.",
		}),

		SimilarityRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "similarity_requests_total",
			Help:      "Similarity lookups, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		SimilarityLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "similarity_duration_seconds",
			Help:      "Similarity lookup latency, by provider.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		BusEventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_published_total",
			Help:      "Events published, by topic and kind.",
		}, []string{"topic", "kind"}),
		BusErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_errors_total",
			Help:      "Failed publishes and failed or refused requests, by topic and kind.",
		}, []string{"topic", "kind"}),
		BusPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_publish_seconds",
			Help:      "Publish and request latency, by topic.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		BusEventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_received_total",
			Help:      "Events seen by the metrics subscriber, by kind.",
		}, []string{"kind"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route and status.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
	}
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// EvaluationOutcome is what the evaluation service reports per stored record.
type EvaluationOutcome struct {
	Before, Recommended bucket.Bucket
	Changed             bool
	Critical            bool
	Quality             float64
	Improvement         float64
}

// RecordEvaluation records a newly stored evaluation.
func (m *Metrics) RecordEvaluation(o EvaluationOutcome, duration time.Duration) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(o.Recommended.String()).Inc()
	m.QualityScore.Observe(o.Quality)
	m.ImprovementScore.Observe(o.Improvement)
	m.EvaluationDuration.Observe(duration.Seconds())
	if o.Changed {
		m.BucketChanges.WithLabelValues(o.Before.String(), o.Recommended.String()).Inc()
	}
	if o.Critical {
		m.CriticalQuality.Inc()
	}
}

// RecordDuplicate records an evaluate call that found an existing record.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.DuplicateEvaluations.Inc()
}

// RecordEvaluationError records a failed evaluate call.
func (m *Metrics) RecordEvaluationError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.EvaluationErrors.WithLabelValues(code).Inc()
}

// RecordTxRetry records one retried speaker transaction.
func (m *Metrics) RecordTxRetry() {
	if m == nil {
		return
	}
	m.TxRetries.Inc()
}

// RecordTxConflictExhausted records a transaction that ran out of attempts.
func (m *Metrics) RecordTxConflictExhausted() {
	if m == nil {
		return
	}
	m.TxConflictsExhausted.Inc()
}

// RecordSimilarity records one provider call.
func (m *Metrics) RecordSimilarity(provider string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SimilarityRequests.WithLabelValues(provider, outcome).Inc()
	m.SimilarityLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

// RecordBusPublish implements bus.MetricsRecorder.
func (m *Metrics) RecordBusPublish(topic, kind string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	m.BusPublishLatency.WithLabelValues(topic).Observe(latency.Seconds())
	if err != nil {
		m.BusErrors.WithLabelValues(topic, kind).Inc()
		return
	}
	m.BusEventsPublished.WithLabelValues(topic, kind).Inc()
}

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	path = normalizePath(path)
	m.HTTPRequests.WithLabelValues(method, path, statusCode(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
