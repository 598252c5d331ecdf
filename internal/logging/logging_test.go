package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// TestParseLevel verifies level names, including the default.
func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

// TestNewFileOutput verifies that file output lands in the configured path and the level is adjustable.
func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coord.log")
	log, level, err := New(Config{Level: "info", Format: "json", Output: "file", FilePath: path})
	require.NoError(t, err)

	log.Debug("hidden")
	level.SetLevel(zapcore.DebugLevel)
	log.Debug("shown")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), `"msg":"shown"`)
}

// TestNewRejectsBadConfig verifies configuration errors.
func TestNewRejectsBadConfig(t *testing.T) {
	_, _, err := New(Config{Output: "file"})
	assert.ErrorContains(t, err, "file path")

	_, _, err = New(Config{Output: "syslog"})
	assert.Error(t, err)

	_, _, err = New(Config{Level: "chatty"})
	assert.Error(t, err)
}

// TestRotatingFile verifies that the session writer appends to its file.
func TestRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.log")
	w := RotatingFile(path, Config{MaxSize: 1})
	_, err := w.Write([]byte("line 1\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("line 2\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2\n", string(data))
}
