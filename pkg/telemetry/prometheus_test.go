package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusCounterRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.IncCounter("oubliette_executions_total", 1, Label{Key: "outcome", Value: "completed"})
	m.IncCounter("oubliette_executions_total", 2, Label{Key: "outcome", Value: "completed"})

	vec := m.counters["oubliette_executions_total"]
	assert.Equal(t, 3.0, testutil.ToFloat64(vec.WithLabelValues("completed")))
}

func TestPrometheusGaugeAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.SetGauge("oubliette_active_sandboxes", 4)
	m.SetGauge("oubliette_active_sandboxes", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.gauges["oubliette_active_sandboxes"].WithLabelValues()))

	m.ObserveHistogram("oubliette_execute_seconds", 0.25)
	count := testutil.CollectAndCount(m.histograms["oubliette_execute_seconds"])
	assert.Equal(t, 1, count)
}
