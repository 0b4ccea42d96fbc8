package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWriter(Config{Level: "debug", Format: FormatJSON}, &buf)
	require.NoError(t, err)

	l.Debug("key event", "code", 30)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "key event", rec["msg"])
	assert.Equal(t, float64(30), rec["code"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWriter(Config{Level: "warn"}, &buf)
	require.NoError(t, err)

	l.Info("hidden")
	assert.Zero(t, buf.Len())
	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestBadConfig(t *testing.T) {
	_, err := New(Config{Output: "syslog"})
	assert.Error(t, err)

	_, err = NewWriter(Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
