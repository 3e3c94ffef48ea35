package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "resume_worker"

// Job outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeInvalid = "invalid"
)

// Webhook delivery outcomes.
const (
	DeliveryDelivered = "delivered"
	DeliveryRejected  = "rejected"
	DeliveryError     = "error"
)

// Metrics groups the worker collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	jobs             *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	analysisDuration prometheus.Histogram
	inFlight         prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Processed analysis jobs by outcome",
			},
			[]string{"outcome"},
		),
		deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_deliveries_total",
				Help:      "Webhook POST attempts by outcome",
			},
			[]string{"outcome"},
		),
		analysisDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "analysis_duration_seconds",
				Help:      "Time spent waiting for the model",
				Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120},
			},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_in_flight",
				Help:      "Jobs currently being handled",
			},
		),
	}
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// JobFinished decrements the in-flight gauge and counts the outcome.
func (m *Metrics) JobFinished(outcome string) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.jobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) JobRejected() {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(OutcomeInvalid).Inc()
}

func (m *Metrics) ObserveAnalysis(d time.Duration) {
	if m == nil {
		return
	}
	m.analysisDuration.Observe(d.Seconds())
}

func (m *Metrics) WebhookDelivered(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}
