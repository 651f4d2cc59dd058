package slogger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestLogLevel tests the log level conversion functionality
func TestLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected LogLevel
	}{
		{"debug level", "debug", LevelDebug},
		{"info level", "info", LevelInfo},
		{"warn level", "warn", LevelWarn},
		{"error level", "error", LevelError},
		{"uppercase", "DEBUG", LevelDebug},
		{"mixed case", "WaRn", LevelWarn},
		{"invalid level", "invalid", DefaultLogLevel},
		{"empty string", "", DefaultLogLevel},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, LevelFromString(tc.input))
		})
	}
}

func TestSloggerWritesStructuredEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, LevelDebug)

	logger.Info("workflow started", "workflow_id", "wf-1", "task_id", "42")

	out := buf.String()
	require.Contains(t, out, "workflow started")
	require.Contains(t, out, "workflow_id=wf-1")
	require.Contains(t, out, "task_id=42")
	require.Contains(t, out, "caller=")
}

func TestSloggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, LevelWarn)

	logger.Debug("too quiet")
	logger.Info("still too quiet")
	logger.Warn("loud enough")

	out := buf.String()
	require.NotContains(t, out, "too quiet")
	require.Contains(t, out, "loud enough")
}

func TestSloggerWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, LevelInfo).With("component", "supervisor")

	logger.Info("process exited")

	require.Contains(t, buf.String(), "component=supervisor")
}

// TestDevNullLogger tests the DevNullLogger implementation
func TestDevNullLogger(t *testing.T) {
	logger := NewDevNullLogger()

	// These calls should not panic
	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")

	withLogger := logger.With("context", "value")
	require.NotNil(t, withLogger)
	require.IsType(t, &DevNullLogger{}, withLogger)
}

//nolint:staticcheck // SA1012: Intentionally passing nil context for testing
func TestContextFunctions(t *testing.T) {
	logger := NewDevNullLogger()

	ctx := WithLogger(nil, logger)
	require.NotNil(t, ctx)
	require.Equal(t, logger, Ctx(ctx))

	newCtx := WithLogger(context.Background(), logger)
	require.Equal(t, logger, Ctx(newCtx))

	// Contexts without a logger fall back to a real one
	require.IsType(t, &Slogger{}, Ctx(nil))
	require.IsType(t, &Slogger{}, Ctx(context.Background()))
}

func TestDefaultLogger(t *testing.T) {
	require.NotNil(t, DefaultLogger)
	require.IsType(t, &DevNullLogger{}, DefaultLogger)
}
