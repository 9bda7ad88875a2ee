package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("loud"))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_DEV", "1")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FILE", "")

	cfg := ConfigFromEnv()
	assert.True(t, cfg.Dev)
	assert.Equal(t, "debug", cfg.Level)
}

func TestInit_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timesheet.log")

	lg, err := Init(Config{Level: "info", File: path})
	require.NoError(t, err)

	lg.Sugar().Infow("entry archived", "id", 7)
	_ = lg.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"entry archived"`)
	assert.Contains(t, string(data), `"id":7`)
}
