package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNewLogger_ProductionJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerOptions{Env: "production", Version: "1.4.0", Output: &buf})

	ctx := WithRequestID(WithCorrelationID(context.Background(), "corr-7"), "req-3")
	logger.InfoContext(ctx, "order paid", "order_id", "ord-1")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "order paid", entry["msg"])
	assert.Equal(t, "settle", entry["service"])
	assert.Equal(t, "1.4.0", entry["version"])
	assert.Equal(t, "corr-7", entry[CorrelationIDKey])
	assert.Equal(t, "req-3", entry[RequestIDKey])
	assert.Contains(t, entry, "source")
}

func TestNewLogger_TextByDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerOptions{Output: &buf})
	logger.Info("poller started")

	line := buf.String()
	assert.True(t, strings.Contains(line, "msg=\"poller started\""), line)
	assert.Contains(t, line, "version=dev")
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerOptions{Level: "warn", Format: "json", Output: &buf})

	logger.Info("hidden")
	assert.Zero(t, buf.Len())
	logger.Warn("stale pending order")
	assert.Equal(t, "WARN", decodeLine(t, &buf)["level"])
}

func TestNewLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerOptions{Format: "json", Output: &buf})

	logger.Info("notification received",
		"Stripe-Signature", "t=1,v1=abc",
		"secret", "whsec_123",
		"provider", "checkout",
	)
	entry := decodeLine(t, &buf)
	assert.Equal(t, redacted, entry["Stripe-Signature"])
	assert.Equal(t, redacted, entry["secret"])
	assert.Equal(t, "checkout", entry["provider"])
	assert.NotContains(t, buf.String(), "whsec_123")
}

func TestNewLogger_ContextSurvivesWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerOptions{Format: "json", Output: &buf}).
		With("component", "worker").
		WithGroup("repair")

	logger.InfoContext(WithCorrelationID(context.Background(), "corr-9"), "pass done", "attempted", 2)
	entry := decodeLine(t, &buf)
	assert.Equal(t, "worker", entry["component"])
	assert.Equal(t, "corr-9", entry["repair"].(map[string]any)[CorrelationIDKey])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
