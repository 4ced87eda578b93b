package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/managesieve/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, config.LoggingConfig{Format: "json", Level: "info"})

	l.Debug("hidden")
	l.With("component", "managesieve").Info("command sent", "command", "NOOP")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "command sent", rec["msg"])
	assert.Equal(t, "managesieve", rec["component"])
	assert.Equal(t, "NOOP", rec["command"])
}

func TestInitializeFile(t *testing.T) {
	prev := Get()
	t.Cleanup(func() { SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "sievectl.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, f)

	Component("transport").Debug("dialing", "addr", "localhost:4190")
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "component=transport")
	assert.Contains(t, string(data), "msg=dialing")
}
