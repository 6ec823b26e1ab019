package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info"}, &buf)

	logger.Debug("hidden")
	logger.Info("stage completed", "stage", "analysis", "duration_ms", 12)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "stage completed", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "analysis", entry["stage"])
	assert.EqualValues(t, 12, entry["duration_ms"])
}

func TestDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Level: "DEBUG"}, &buf).Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("loud"))
}
