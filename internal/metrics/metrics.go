// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "keyboard_testkit"

// Metrics holds every collector the pipeline updates.
type Metrics struct {
	KeyEvents      *prometheus.CounterVec
	RemapResults   *prometheus.CounterVec
	Anomalies      *prometheus.CounterVec
	Dropped        prometheus.Counter
	Classification prometheus.Gauge
	DevicesOpen    prometheus.Gauge
	KeysPressed    prometheus.Gauge
	KeyInterval    prometheus.Histogram
}

// New registers the collectors on reg. Use prometheus.DefaultRegisterer to
// serve them from promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		KeyEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_events_total",
			Help:      "Key transitions read from the input source, partitioned by kind",
		}, []string{"kind"}),
		RemapResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remap_results_total",
			Help:      "Remapper decisions, partitioned by outcome",
		}, []string{"outcome"}),
		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Presses flagged by the authenticity classifier, partitioned by severity",
		}, []string{"severity"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Events discarded because the consumer fell behind",
		}),
		Classification: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "classification",
			Help:      "Current input classification, 0 (physical) to 4 (virtual)",
		}),
		DevicesOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_open",
			Help:      "Keyboard devices currently attached",
		}),
		KeysPressed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keys_pressed",
			Help:      "Keys currently held down",
		}),
		KeyInterval: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "key_interval_seconds",
			Help:      "Time between consecutive key presses",
			Buckets:   []float64{.005, .01, .015, .025, .05, .1, .15, .25, .5, 1, 2.5},
		}),
	}
}

// ObserveEvent counts a key transition. A nil receiver is a no-op so callers
// can run without metrics.
func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.KeyEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveResult(outcome string) {
	if m == nil {
		return
	}
	m.RemapResults.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAnomaly(severity string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(severity).Inc()
}

func (m *Metrics) ObserveInterval(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.KeyInterval.Observe(d.Seconds())
}

func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}

func (m *Metrics) SetClassification(c int) {
	if m == nil {
		return
	}
	m.Classification.Set(float64(c))
}

func (m *Metrics) SetDevices(n int) {
	if m == nil {
		return
	}
	m.DevicesOpen.Set(float64(n))
}

func (m *Metrics) SetPressed(n int) {
	if m == nil {
		return
	}
	m.KeysPressed.Set(float64(n))
}
