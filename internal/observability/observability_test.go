package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "debug", "json")
	logger.Debug("ingest started", "kind", "observation")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ingest started", line["msg"])
	assert.Equal(t, "observation", line["kind"])
}

func TestNewLoggerTextAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn", "text")
	logger.Info("hidden")
	logger.Warn("shown", "key", "obs:KJFK")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "key=obs:KJFK")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("nonsense"))
}

func TestNewMetricsForTestingIsolated(t *testing.T) {
	a := NewMetricsForTesting()
	b := NewMetricsForTesting()

	a.Lookups.WithLabelValues("observation", "cache").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Lookups.WithLabelValues("observation", "cache")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Lookups.WithLabelValues("observation", "cache")))
}
