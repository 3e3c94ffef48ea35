package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := New(reg)

	m.JobStarted()
	m.JobStarted()
	assert.InDelta(t, 2, testutil.ToFloat64(m.inFlight), 0)

	m.JobFinished(OutcomeSuccess)
	m.JobFinished(OutcomeFailed)
	m.JobRejected()

	assert.InDelta(t, 0, testutil.ToFloat64(m.inFlight), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.jobs.WithLabelValues(OutcomeSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.jobs.WithLabelValues(OutcomeFailed)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.jobs.WithLabelValues(OutcomeInvalid)), 0)
}

func TestWebhookAndDuration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := New(reg)

	m.WebhookDelivered(DeliveryDelivered)
	m.WebhookDelivered(DeliveryRejected)
	m.WebhookDelivered(DeliveryRejected)
	m.ObserveAnalysis(1500 * time.Millisecond)

	assert.InDelta(t, 1, testutil.ToFloat64(m.deliveries.WithLabelValues(DeliveryDelivered)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.deliveries.WithLabelValues(DeliveryRejected)), 0)

	count, err := testutil.GatherAndCount(reg, "resume_worker_analysis_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.JobStarted()
	m.JobFinished(OutcomeSuccess)
	m.JobRejected()
	m.ObserveAnalysis(time.Second)
	m.WebhookDelivered(DeliveryError)
}
