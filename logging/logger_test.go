package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredLogger_WritesContextAndArgs(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "json", Output: &buf}).
		WithComponent("orchestrator").
		WithTask("task-1", "run-1").
		WithContext("mode", "parallel")

	l.Info("task.status.changed", "to", "running")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "task.status.changed", entry["msg"])
	assert.Equal(t, "orchestrator", entry["component"])
	assert.Equal(t, "task-1", entry["task_id"])
	assert.Equal(t, "run-1", entry["run_id"])
	assert.Equal(t, "parallel", entry["mode"])
	assert.Equal(t, "running", entry["to"])
}

func TestStructuredLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelWarn, Format: "text", Output: &buf})

	l.Info("hidden")
	l.Debug("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestStructuredLogger_CloneIsolation(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&LoggerConfig{Level: LogLevelInfo, Output: &buf})
	_ = base.WithContext("k", "v")

	base.Info("plain")
	assert.False(t, strings.Contains(buf.String(), `"k"`))
}

func TestStructuredLogger_DomainHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelInfo, Output: &buf})

	l.LogToolCall("weather", "1.0.0", 10*time.Millisecond, 1, errors.New("boom"))
	l.LogModelCall("primary", "default", time.Millisecond, nil)
	l.LogTaskTransition("t1", "running", "failed", "timeout")

	out := buf.String()
	assert.Contains(t, out, "tool.invoke.failed")
	assert.Contains(t, out, "model.call.completed")
	assert.Contains(t, out, `"reason":"timeout"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLevel("warning"))
	assert.Equal(t, LogLevelError, ParseLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLevel("nonsense"))
}

func TestOrNoOp(t *testing.T) {
	assert.IsType(t, NoOpLogger{}, OrNoOp(nil))
	l := NewSlogLogger(LogLevelInfo, "text", false)
	assert.Same(t, Logger(l), OrNoOp(l))
}
