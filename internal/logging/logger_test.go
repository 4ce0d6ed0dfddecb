package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"collabtext/internal/metrics"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Format: "json", Level: "info", Output: zapcore.AddSync(&buf)})
	require.NoError(t, err)

	logger.Info("relay listening")
	logger.Debug("filtered out")
	require.NoError(t, logger.Sync())

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "relay listening", entry["msg"])
	assert.Contains(t, entry, "timestamp")
	assert.NotContains(t, buf.String(), "filtered out")
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(Config{Format: "json", Level: "loud"})
	assert.Error(t, err)
}

func TestNewLogger_CountsEntries(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Format: "console", Level: "debug", Output: zapcore.AddSync(&buf)})
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.LogEntriesTotal.WithLabelValues("warn"))
	logger.Warn("peer dropped")
	after := testutil.ToFloat64(metrics.LogEntriesTotal.WithLabelValues("warn"))
	assert.Equal(t, before+1, after)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
