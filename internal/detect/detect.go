// Package detect classifies keyboard input as physical or automated from
// press timing alone.
//
// The Classifier keeps rolling windows of inter-press intervals and recent
// press timestamps. Every press may record an anomaly; the overall
// classification is derived from the counters on demand and is never stored.
package detect

import (
	"fmt"
	"time"
)

// Severity ranks an anomaly.
type Severity int

const (
	Low Severity = iota
	Medium
	High
)

func (s Severity) String() string {
	switch s {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Anomaly is one recorded timing anomaly.
type Anomaly struct {
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Severity    Severity  `json:"severity"`
}

// Classification is the verdict on the input source.
type Classification int

const (
	Physical Classification = iota
	LikelyPhysical
	Uncertain
	LikelyVirtual
	Virtual
)

func (c Classification) String() string {
	switch c {
	case Physical:
		return "Physical"
	case LikelyPhysical:
		return "Likely Physical"
	case Uncertain:
		return "Uncertain"
	case LikelyVirtual:
		return "Likely Virtual"
	case Virtual:
		return "Virtual/Automated"
	}
	return fmt.Sprintf("Classification(%d)", int(c))
}

func (c Classification) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// Status buckets a classification for display: "ok", "info" or "warning".
func (c Classification) Status() string {
	switch c {
	case Physical, LikelyPhysical:
		return "ok"
	case LikelyVirtual, Virtual:
		return "warning"
	default:
		return "info"
	}
}

// Thresholds tunes the detector. The defaults are empirical.
type Thresholds struct {
	MinHumanInterval      time.Duration
	PerfectTimingVariance float64 // ms²
	MinVarianceSamples    int
	MinPerfectSamples     int
	AnalysisWindow        int
	BurstWindow           time.Duration
	BurstCount            int
	AnomalyDedup          time.Duration
	AnomalyHistory        int
	RecentAnomalyWindow   time.Duration
	MinKeystrokes         uint64
	PhysicalKeystrokes    uint64
}

// DefaultThresholds returns the stock detector settings.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinHumanInterval:      15 * time.Millisecond,
		PerfectTimingVariance: 0.5,
		MinVarianceSamples:    5,
		MinPerfectSamples:     10,
		AnalysisWindow:        20,
		BurstWindow:           50 * time.Millisecond,
		BurstCount:            5,
		AnomalyDedup:          100 * time.Millisecond,
		AnomalyHistory:        50,
		RecentAnomalyWindow:   5 * time.Second,
		MinKeystrokes:         10,
		PhysicalKeystrokes:    50,
	}
}

// Report is a snapshot of the classifier.
type Report struct {
	Classification  Classification `json:"classification"`
	Label           string         `json:"label"`
	Status          string         `json:"status"`
	Total           uint64         `json:"total_keystrokes"`
	Suspicious      uint64         `json:"suspicious"`
	SuspiciousRatio float64        `json:"suspicious_ratio"`
	RecentAnomalies int            `json:"recent_anomalies"`
	Anomalies       int            `json:"anomalies"`
	LastIntervalMS  *float64       `json:"last_interval_ms,omitempty"`
	MeanIntervalMS  float64        `json:"mean_interval_ms"`
	VarianceMS2     float64        `json:"variance_ms2"`
	Samples         int            `json:"samples"`
}

// Classifier is the online timing analyzer. It is not safe for concurrent
// use.
type Classifier struct {
	th Thresholds

	intervals []float64
	burst     []time.Time
	anomalies []Anomaly

	last         time.Time
	hasLast      bool
	lastInterval float64
	mean         float64
	variance     float64

	total      uint64
	suspicious uint64

	onAnomaly func(Anomaly)
}

// New returns a Classifier using th. Zero fields fall back to defaults.
func New(th Thresholds) *Classifier {
	d := DefaultThresholds()
	if th.MinHumanInterval <= 0 {
		th.MinHumanInterval = d.MinHumanInterval
	}
	if th.PerfectTimingVariance <= 0 {
		th.PerfectTimingVariance = d.PerfectTimingVariance
	}
	if th.MinVarianceSamples <= 0 {
		th.MinVarianceSamples = d.MinVarianceSamples
	}
	if th.MinPerfectSamples <= 0 {
		th.MinPerfectSamples = d.MinPerfectSamples
	}
	if th.AnalysisWindow <= 0 {
		th.AnalysisWindow = d.AnalysisWindow
	}
	if th.BurstWindow <= 0 {
		th.BurstWindow = d.BurstWindow
	}
	if th.BurstCount <= 0 {
		th.BurstCount = d.BurstCount
	}
	if th.AnomalyDedup <= 0 {
		th.AnomalyDedup = d.AnomalyDedup
	}
	if th.AnomalyHistory <= 0 {
		th.AnomalyHistory = d.AnomalyHistory
	}
	if th.RecentAnomalyWindow <= 0 {
		th.RecentAnomalyWindow = d.RecentAnomalyWindow
	}
	if th.MinKeystrokes == 0 {
		th.MinKeystrokes = d.MinKeystrokes
	}
	if th.PhysicalKeystrokes == 0 {
		th.PhysicalKeystrokes = d.PhysicalKeystrokes
	}
	return &Classifier{th: th}
}

// OnAnomaly registers fn to run whenever an anomaly is recorded. Deduplicated
// anomalies do not trigger it.
func (c *Classifier) OnAnomaly(fn func(Anomaly)) { c.onAnomaly = fn }

// Thresholds returns the effective settings.
func (c *Classifier) Thresholds() Thresholds { return c.th }

// Press analyzes one key press at ts and reports whether it looked automated.
// Timestamps must be non-decreasing.
func (c *Classifier) Press(ts time.Time) bool {
	c.total++

	var suspicious bool
	if c.hasLast {
		interval := float64(ts.Sub(c.last)) / float64(time.Millisecond)
		c.lastInterval = interval
		if c.analyzeInterval(interval, ts) {
			suspicious = true
		}
	}
	c.last = ts
	c.hasLast = true

	if c.detectBurst(ts) {
		suspicious = true
	}
	if suspicious {
		c.suspicious++
	}
	return suspicious
}

func (c *Classifier) analyzeInterval(ms float64, ts time.Time) bool {
	var suspicious bool
	if ms < durationMS(c.th.MinHumanInterval) {
		c.record(fmt.Sprintf("Inhuman speed: %.1fms interval", ms), ts, High)
		suspicious = true
	}

	c.intervals = append(c.intervals, ms)
	if len(c.intervals) > c.th.AnalysisWindow {
		c.intervals = c.intervals[len(c.intervals)-c.th.AnalysisWindow:]
	}

	if n := len(c.intervals); n >= c.th.MinVarianceSamples {
		var sum float64
		for _, v := range c.intervals {
			sum += v
		}
		mean := sum / float64(n)
		var sq float64
		for _, v := range c.intervals {
			sq += (v - mean) * (v - mean)
		}
		c.mean = mean
		c.variance = sq / float64(n)

		if n >= c.th.MinPerfectSamples && c.variance < c.th.PerfectTimingVariance {
			c.record(fmt.Sprintf("Perfect timing: variance=%.2fms²", c.variance), ts, Medium)
			suspicious = true
		}
	}
	return suspicious
}

func (c *Classifier) detectBurst(ts time.Time) bool {
	c.burst = append(c.burst, ts)
	drop := 0
	for drop < len(c.burst) && ts.Sub(c.burst[drop]) > c.th.BurstWindow {
		drop++
	}
	c.burst = c.burst[drop:]

	if len(c.burst) >= c.th.BurstCount {
		c.record(fmt.Sprintf("%d keys in %dms window", len(c.burst), c.th.BurstWindow.Milliseconds()), ts, High)
		return true
	}
	return false
}

func (c *Classifier) record(desc string, ts time.Time, sev Severity) {
	if n := len(c.anomalies); n > 0 && ts.Sub(c.anomalies[n-1].Timestamp) < c.th.AnomalyDedup {
		return
	}
	a := Anomaly{Description: desc, Timestamp: ts, Severity: sev}
	c.anomalies = append(c.anomalies, a)
	if len(c.anomalies) > c.th.AnomalyHistory {
		c.anomalies = c.anomalies[len(c.anomalies)-c.th.AnomalyHistory:]
	}
	if c.onAnomaly != nil {
		c.onAnomaly(a)
	}
}

// Classification evaluates the verdict as of the most recent press.
func (c *Classifier) Classification() Classification {
	return c.ClassificationAt(c.last)
}

// ClassificationAt evaluates the verdict counting anomalies recent relative
// to now.
func (c *Classifier) ClassificationAt(now time.Time) Classification {
	if c.total < c.th.MinKeystrokes {
		return Uncertain
	}
	r := c.SuspiciousRatio()
	a := c.recentCount(now)
	switch {
	case r > 0.5 || a >= 3:
		return Virtual
	case r > 0.2 || a >= 1:
		return LikelyVirtual
	case r > 0.05:
		return Uncertain
	case c.total > c.th.PhysicalKeystrokes:
		return Physical
	default:
		return LikelyPhysical
	}
}

func (c *Classifier) recentCount(now time.Time) int {
	var n int
	for _, a := range c.anomalies {
		if now.Sub(a.Timestamp) < c.th.RecentAnomalyWindow {
			n++
		}
	}
	return n
}

// SuspiciousRatio is suspicious presses over total presses.
func (c *Classifier) SuspiciousRatio() float64 {
	if c.total == 0 {
		return 0
	}
	return float64(c.suspicious) / float64(c.total)
}

// Total returns the number of presses analyzed.
func (c *Classifier) Total() uint64 { return c.total }

// Suspicious returns the number of presses flagged.
func (c *Classifier) Suspicious() uint64 { return c.suspicious }

// Mean returns the rolling mean interval in milliseconds.
func (c *Classifier) Mean() float64 { return c.mean }

// Variance returns the rolling population variance in ms².
func (c *Classifier) Variance() float64 { return c.variance }

// LastInterval returns the most recent interval in milliseconds.
func (c *Classifier) LastInterval() (float64, bool) {
	return c.lastInterval, c.total > 1
}

// Anomalies returns the anomaly history, oldest first.
func (c *Classifier) Anomalies() []Anomaly {
	out := make([]Anomaly, len(c.anomalies))
	copy(out, c.anomalies)
	return out
}

// RecentAnomalies returns up to n anomalies, newest first.
func (c *Classifier) RecentAnomalies(n int) []Anomaly {
	if n < 0 || n > len(c.anomalies) {
		n = len(c.anomalies)
	}
	out := make([]Anomaly, 0, n)
	for i := len(c.anomalies) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, c.anomalies[i])
	}
	return out
}

// Report snapshots the classifier as of the most recent press.
func (c *Classifier) Report() Report {
	return c.ReportAt(c.last)
}

// ReportAt snapshots the classifier with anomaly recency relative to now.
func (c *Classifier) ReportAt(now time.Time) Report {
	cls := c.ClassificationAt(now)
	r := Report{
		Classification:  cls,
		Label:           cls.String(),
		Status:          cls.Status(),
		Total:           c.total,
		Suspicious:      c.suspicious,
		SuspiciousRatio: c.SuspiciousRatio(),
		RecentAnomalies: c.recentCount(now),
		Anomalies:       len(c.anomalies),
		MeanIntervalMS:  c.mean,
		VarianceMS2:     c.variance,
		Samples:         len(c.intervals),
	}
	if v, ok := c.LastInterval(); ok {
		r.LastIntervalMS = &v
	}
	return r
}

// Reset clears all state. Thresholds and the anomaly hook are kept.
func (c *Classifier) Reset() {
	*c = Classifier{th: c.th, onAnomaly: c.onAnomaly}
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
