// Package config loads and validates the TestKit configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kase1111-hash/Keyboard-TestKit/internal/acquire"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/detect"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/keymap"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/logging"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/remap"
)

// Duration is a time.Duration written as a string such as "15ms".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func dur(d time.Duration) Duration { return Duration{d} }

// Config is the whole configuration file.
type Config struct {
	Acquire   AcquireConfig   `toml:"acquire" yaml:"acquire" json:"acquire"`
	Remap     RemapConfig     `toml:"remap" yaml:"remap" json:"remap"`
	Detect    DetectConfig    `toml:"detect" yaml:"detect" json:"detect"`
	Analyzers AnalyzersConfig `toml:"analyzers" yaml:"analyzers" json:"analyzers"`
	Server    ServerConfig    `toml:"server" yaml:"server" json:"server"`
	Store     StoreConfig     `toml:"store" yaml:"store" json:"store"`
	Log       logging.Config  `toml:"log" yaml:"log" json:"log"`
}

// AcquireConfig controls device discovery and polling.
type AcquireConfig struct {
	DevDir          string   `toml:"dev_dir" yaml:"dev_dir" json:"dev_dir"`
	SysDir          string   `toml:"sys_dir" yaml:"sys_dir" json:"sys_dir"`
	MinKeyCount     int      `toml:"min_key_count" yaml:"min_key_count" json:"min_key_count"`
	NameKeywords    []string `toml:"name_keywords" yaml:"name_keywords" json:"name_keywords"`
	PollInterval    Duration `toml:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	BufferRecords   int      `toml:"buffer_records" yaml:"buffer_records" json:"buffer_records"`
	ChannelCapacity int      `toml:"channel_capacity" yaml:"channel_capacity" json:"channel_capacity"`
	Grab            bool     `toml:"grab" yaml:"grab" json:"grab"`
	Fallback        bool     `toml:"fallback" yaml:"fallback" json:"fallback"`
	WatchDevices    bool     `toml:"watch_devices" yaml:"watch_devices" json:"watch_devices"`
}

// RemapConfig seeds the remapper.
type RemapConfig struct {
	Enabled       bool                `toml:"enabled" yaml:"enabled" json:"enabled"`
	FnMode        remap.FnMode        `toml:"fn_mode" yaml:"fn_mode" json:"fn_mode"`
	FnScancodes   []keymap.KeyCode    `toml:"fn_scancodes" yaml:"fn_scancodes" json:"fn_scancodes"`
	UnknownPolicy remap.UnknownPolicy `toml:"unknown_policy" yaml:"unknown_policy" json:"unknown_policy"`
	Mappings      []remap.Mapping     `toml:"mappings" yaml:"mappings" json:"mappings"`
	Combos        []remap.Mapping     `toml:"combos" yaml:"combos" json:"combos"`
}

// DetectConfig tunes the authenticity classifier.
type DetectConfig struct {
	MinHumanInterval      Duration `toml:"min_human_interval" yaml:"min_human_interval" json:"min_human_interval"`
	PerfectTimingVariance float64  `toml:"perfect_timing_variance" yaml:"perfect_timing_variance" json:"perfect_timing_variance"`
	BurstWindow           Duration `toml:"burst_window" yaml:"burst_window" json:"burst_window"`
	BurstCount            int      `toml:"burst_count" yaml:"burst_count" json:"burst_count"`
	AnalysisWindow        int      `toml:"analysis_window" yaml:"analysis_window" json:"analysis_window"`
	AnomalyDedup          Duration `toml:"anomaly_dedup" yaml:"anomaly_dedup" json:"anomaly_dedup"`
	AnomalyHistory        int      `toml:"anomaly_history" yaml:"anomaly_history" json:"anomaly_history"`
	RecentAnomalyWindow   Duration `toml:"recent_anomaly_window" yaml:"recent_anomaly_window" json:"recent_anomaly_window"`
}

// AnalyzersConfig holds windows used by the aggregating analyzers. The
// pipeline only carries them through.
type AnalyzersConfig struct {
	BounceWindow   Duration `toml:"bounce_window" yaml:"bounce_window" json:"bounce_window"`
	MinHold        Duration `toml:"min_hold" yaml:"min_hold" json:"min_hold"`
	StuckThreshold Duration `toml:"stuck_threshold" yaml:"stuck_threshold" json:"stuck_threshold"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Addr    string `toml:"addr" yaml:"addr" json:"addr"`
}

// StoreConfig controls remap profile persistence.
type StoreConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `toml:"path" yaml:"path" json:"path"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	th := detect.DefaultThresholds()
	return &Config{
		Acquire: AcquireConfig{
			DevDir:          acquire.DefaultDevDir,
			SysDir:          acquire.DefaultSysDir,
			MinKeyCount:     acquire.DefaultMinKeyCount,
			NameKeywords:    append([]string(nil), acquire.DefaultNameKeywords...),
			PollInterval:    dur(acquire.DefaultPollInterval),
			BufferRecords:   acquire.DefaultBufferRecords,
			ChannelCapacity: 64,
			Fallback:        true,
			WatchDevices:    true,
		},
		Remap: RemapConfig{
			Enabled:       true,
			FnMode:        remap.FnCaptureOnly,
			FnScancodes:   append([]keymap.KeyCode(nil), remap.DefaultFnScancodes...),
			UnknownPolicy: remap.CaptureAndPassThrough,
		},
		Detect: DetectConfig{
			MinHumanInterval:      dur(th.MinHumanInterval),
			PerfectTimingVariance: th.PerfectTimingVariance,
			BurstWindow:           dur(th.BurstWindow),
			BurstCount:            th.BurstCount,
			AnalysisWindow:        th.AnalysisWindow,
			AnomalyDedup:          dur(th.AnomalyDedup),
			AnomalyHistory:        th.AnomalyHistory,
			RecentAnomalyWindow:   dur(th.RecentAnomalyWindow),
		},
		Analyzers: AnalyzersConfig{
			BounceWindow:   dur(5 * time.Millisecond),
			MinHold:        dur(10 * time.Millisecond),
			StuckThreshold: dur(50 * time.Millisecond),
		},
		Server: ServerConfig{Enabled: true, Addr: "127.0.0.1:2112"},
		Store:  StoreConfig{Enabled: true},
		Log:    logging.DefaultConfig(),
	}
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Acquire.MinKeyCount < 0 {
		errs = append(errs, errors.New("acquire.min_key_count must not be negative"))
	}
	if c.Acquire.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("acquire.poll_interval must be positive"))
	}
	if c.Acquire.BufferRecords < 1 {
		errs = append(errs, errors.New("acquire.buffer_records must be at least 1"))
	}
	if c.Acquire.ChannelCapacity < 1 {
		errs = append(errs, errors.New("acquire.channel_capacity must be at least 1"))
	}
	if c.Detect.MinHumanInterval.Duration <= 0 {
		errs = append(errs, errors.New("detect.min_human_interval must be positive"))
	}
	if c.Detect.PerfectTimingVariance <= 0 {
		errs = append(errs, errors.New("detect.perfect_timing_variance must be positive"))
	}
	if c.Detect.BurstWindow.Duration <= 0 {
		errs = append(errs, errors.New("detect.burst_window must be positive"))
	}
	if c.Detect.BurstCount < 2 {
		errs = append(errs, errors.New("detect.burst_count must be at least 2"))
	}
	if c.Detect.AnalysisWindow < 10 {
		errs = append(errs, errors.New("detect.analysis_window must be at least 10"))
	}
	if c.Detect.AnomalyHistory < 1 {
		errs = append(errs, errors.New("detect.anomaly_history must be at least 1"))
	}
	if c.Analyzers.BounceWindow.Duration < 0 || c.Analyzers.MinHold.Duration < 0 || c.Analyzers.StuckThreshold.Duration < 0 {
		errs = append(errs, errors.New("analyzers windows must not be negative"))
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required when the server is enabled"))
	}
	seen := make(map[keymap.KeyCode]bool)
	for _, m := range c.Remap.Mappings {
		if seen[m.From] {
			errs = append(errs, fmt.Errorf("remap.mappings: duplicate source %d", m.From))
		}
		seen[m.From] = true
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Thresholds converts the detect section.
func (c *Config) Thresholds() detect.Thresholds {
	th := detect.DefaultThresholds()
	th.MinHumanInterval = c.Detect.MinHumanInterval.Duration
	th.PerfectTimingVariance = c.Detect.PerfectTimingVariance
	th.BurstWindow = c.Detect.BurstWindow.Duration
	th.BurstCount = c.Detect.BurstCount
	th.AnalysisWindow = c.Detect.AnalysisWindow
	th.AnomalyDedup = c.Detect.AnomalyDedup.Duration
	th.AnomalyHistory = c.Detect.AnomalyHistory
	th.RecentAnomalyWindow = c.Detect.RecentAnomalyWindow.Duration
	return th
}

// DiscoverOptions converts the acquire section.
func (c *Config) DiscoverOptions() acquire.DiscoverOptions {
	return acquire.DiscoverOptions{
		DevDir:       c.Acquire.DevDir,
		SysDir:       c.Acquire.SysDir,
		MinKeyCount:  c.Acquire.MinKeyCount,
		NameKeywords: c.Acquire.NameKeywords,
	}
}

// SessionOptions converts the acquire section for an evdev session.
func (c *Config) SessionOptions() acquire.Options {
	return acquire.Options{
		Discover:      c.DiscoverOptions(),
		BufferRecords: c.Acquire.BufferRecords,
		Grab:          c.Acquire.Grab,
	}
}

// ApplyRemap configures r from the remap section. The preset combo table for
// the mode is installed first and configured combos are layered on top.
func (c *Config) ApplyRemap(r *remap.Remapper) {
	r.SetEnabled(c.Remap.Enabled)
	r.ApplyPreset(c.Remap.FnMode)
	if len(c.Remap.FnScancodes) > 0 {
		r.SetFnScancodes(c.Remap.FnScancodes)
	}
	r.SetUnknownPolicy(c.Remap.UnknownPolicy)
	r.ClearMappings()
	r.LoadMappings(c.Remap.Mappings)
	for _, m := range c.Remap.Combos {
		r.AddCombo(m.From, m.To)
	}
}

// ApplyEnvOverrides lets a few settings be changed without editing the file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("KBTK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("KBTK_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("KBTK_DEV_DIR"); v != "" {
		c.Acquire.DevDir = v
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/keyboard-testkit/config.toml.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.toml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "keyboard-testkit", "config.toml")
}
