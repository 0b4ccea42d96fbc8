// Package logging sets up the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the handler.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds the logging configuration.
type Config struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format Format `toml:"format" yaml:"format" json:"format"`
	// Output is "stdout" or "stderr".
	Output    string `toml:"output" yaml:"output" json:"output"`
	AddSource bool   `toml:"add_source" yaml:"add_source" json:"add_source"`
}

// DefaultConfig returns text logs at info level on stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatText, Output: "stderr"}
}

// New builds a logger from cfg.
func New(cfg Config) (*slog.Logger, error) {
	var w io.Writer
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		return nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}
	return NewWriter(cfg, w)
}

// NewWriter builds a logger writing to w.
func NewWriter(cfg Config, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var h slog.Handler
	switch Format(strings.ToLower(string(cfg.Format))) {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case FormatText, "":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(h), nil
}

// ParseLevel converts a level name to a slog level. An empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// Setup builds a logger from cfg and installs it as the slog default.
func Setup(cfg Config) (*slog.Logger, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return l, nil
}
