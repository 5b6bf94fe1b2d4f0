package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	require.Equal(t, zapcore.WarnLevel, parseLevel(" warning "))
	require.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	require.Equal(t, zapcore.InfoLevel, parseLevel(""))
	require.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	l, err := New(Config{Env: "prod", Level: "info", File: path, Service: "offline-sync"})
	require.NoError(t, err, "failed to build logger")

	l.Debug("hidden")
	l.Info("queue drained")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read log file")
	require.Contains(t, string(data), `"msg":"queue drained"`)
	require.Contains(t, string(data), `"service":"offline-sync"`)
	require.False(t, strings.Contains(string(data), "hidden"))
}
