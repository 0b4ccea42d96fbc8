package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveEvent("press")
	m.ObserveEvent("press")
	m.ObserveEvent("release")
	m.ObserveResult("remapped")
	m.ObserveAnomaly("high")
	m.IncDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.KeyEvents.WithLabelValues("press")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeyEvents.WithLabelValues("release")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RemapResults.WithLabelValues("remapped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Anomalies.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropped))
}

func TestGauges(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetClassification(4)
	m.SetDevices(2)
	m.SetPressed(3)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.Classification))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DevicesOpen))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.KeysPressed))
}

func TestExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveResult("blocked")

	expected := `
# HELP keyboard_testkit_remap_results_total Remapper decisions, partitioned by outcome
# TYPE keyboard_testkit_remap_results_total counter
keyboard_testkit_remap_results_total{outcome="blocked"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "keyboard_testkit_remap_results_total"))
}

func TestIntervalHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveInterval(8 * time.Millisecond)
	m.ObserveInterval(0)

	n, err := testutil.GatherAndCount(reg, "keyboard_testkit_key_interval_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveEvent("press")
		m.ObserveResult("unchanged")
		m.ObserveAnomaly("low")
		m.ObserveInterval(time.Second)
		m.IncDropped()
		m.SetClassification(1)
		m.SetDevices(1)
		m.SetPressed(1)
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
