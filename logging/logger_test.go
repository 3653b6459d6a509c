package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/correlation"
)

func TestJSONLoggerWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	logger := New("mascore", LevelInfo, &buf)
	logger.Info("hello", map[string]interface{}{"foo": "bar"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "mascore", entry["service"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "bar", entry["foo"])
}

func TestJSONLoggerDebugSuppressedByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("mascore", LevelInfo, &buf)
	logger.Debug("hidden", nil)
	assert.Empty(t, buf.Bytes())
}

func TestJSONLoggerIncludesCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := New("mascore", LevelDebug, &buf)
	ctx := correlation.With(context.Background(), "corr-123")
	logger.InfoContext(ctx, "msg", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "corr-123", entry["correlation_id"])
}

func TestWithComponentSharesOutputLock(t *testing.T) {
	var buf bytes.Buffer
	root := New("mascore", LevelInfo, &buf)
	child := root.WithComponent("scheduler")
	child.Info("from child", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "scheduler", entry["component"])
}

func TestMetricHookInvokedOnWrite(t *testing.T) {
	var got string
	SetMetricHook(func(level, component string, fields map[string]interface{}) {
		got = level
	})
	defer SetMetricHook(nil)

	var buf bytes.Buffer
	logger := New("mascore", LevelInfo, &buf)
	logger.Error("boom", nil)

	assert.Equal(t, "error", got)
}
