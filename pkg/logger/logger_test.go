package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	l := New(&Config{Level: "info", Format: "json", Output: "file", FilePath: path, MaxSize: 1})

	l.Debug("hidden")
	l.Info("scheduled", zap.Int("tasks", 4))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"scheduled"`)
	assert.Contains(t, string(data), `"tasks":4`)
	assert.NotContains(t, string(data), "hidden")
}

func TestNewFileWithoutPathIsNop(t *testing.T) {
	l := New(&Config{Level: "info", Output: "file"})
	assert.False(t, l.Core().Enabled(zapcore.ErrorLevel))
}

func TestReplaceRoutesPackageHelpers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := Replace(zap.New(core))
	defer restore()

	Debug("d")
	Info("i")
	Warn("w")
	Named("pool").Error("e", zap.String("worker", "alpha"))

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, "d", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "pool", entries[3].LoggerName)
	assert.Equal(t, "alpha", entries[3].ContextMap()["worker"])
}
