package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LevelNone, "NONE"},
		{LogLevel(999), "UNKNOWN"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, test.level.String())
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelDebug.SlogLevel())
	assert.Equal(t, slog.LevelInfo, LevelInfo.SlogLevel())
	assert.Equal(t, slog.LevelWarn, LevelWarn.SlogLevel())
	assert.Equal(t, slog.LevelError, LevelError.SlogLevel())
	assert.Equal(t, slog.LevelInfo, LogLevel(999).SlogLevel())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"", LevelInfo, false},
		{"info", LevelInfo, false},
		{"debug", LevelDebug, false},
		{"none", LevelNone, false},
		{"bogus", LevelInfo, true},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		if tc.wantErr {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestInit_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelInfo, &buf)

	Debug("test", "debug message")
	Info("test", "info message %d", 1)

	output := buf.String()
	assert.NotContains(t, output, "debug message")
	assert.Contains(t, output, "info message 1")
	assert.Contains(t, output, "subsystem=test")
}

func TestInit_NoneSuppressesEverything(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelNone, &buf)

	Error("test", nil, "should not appear")
	assert.Empty(t, buf.String())

	// Restore a sane default for any tests that run after this one in the
	// same process.
	Init(LevelInfo, &buf)
}

func TestTruncateSessionID(t *testing.T) {
	assert.Equal(t, "short", TruncateSessionID("short"))
	assert.Equal(t, "12345678...", TruncateSessionID("123456789012"))
}
