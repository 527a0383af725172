package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRequest("read_player", "success", 0.01)
	m.RecordRequest("read_player", "timeout", 1)
	m.RecordDecodeFailure(true)
	m.RecordDecodeFailure(false)
	m.SetBackendAvailable(false)
	m.SetBackendAvailable(true)

	assert.Equal(t, 1.0, value(t, m.RequestsTotal.WithLabelValues("read_player", "success")))
	assert.Equal(t, 2.0, value(t, m.DecodeFailures))
	assert.Equal(t, 1.0, value(t, m.DeadLettered))
	assert.Equal(t, 1.0, value(t, m.BackendAvailable))
	assert.Equal(t, 1.0, value(t, m.BackendOutages))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("read_player", "success", 0)
		m.RecordExecution("read_player", 1, 0)
		m.SetBackendAvailable(true)
		m.ConsumerStarted()
	})
}
