package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "sleuth.log")

	l, err := New(Config{Level: "debug", File: logFile})
	require.NoError(t, err)

	zl := l.Zerolog()
	zl.Debug().Str("task_id", "t1").Msg("node finished")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "node finished")
	assert.Contains(t, string(data), `"task_id":"t1"`)
}

func TestNew_RotatingFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "sleuth.log")

	l, err := New(Config{Level: "info", File: logFile, Rotation: RotationConfig{MaxSizeMB: 1}})
	require.NoError(t, err)
	defer l.Close()

	_, ok := l.closer.(*RotatingWriter)
	assert.True(t, ok)
}

func TestNew_Level(t *testing.T) {
	var buf bytes.Buffer
	l, err := build(Config{Level: "warn", Console: true}, &buf, false)
	require.NoError(t, err)

	zl := l.Zerolog()
	zl.Info().Msg("hidden")
	zl.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	require.NoError(t, l.SetLevel("debug"))
	zl = l.Zerolog()
	zl.Debug().Msg("now visible")
	assert.Contains(t, buf.String(), "now visible")

	assert.Error(t, l.SetLevel("loud"))
}

func TestNew_InvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l, err := build(Config{Level: "chatty", Console: true}, &buf, false)
	require.NoError(t, err)

	assert.Equal(t, zerolog.InfoLevel, l.Zerolog().GetLevel())
}

func TestNew_Redaction(t *testing.T) {
	var buf bytes.Buffer
	l, err := build(Config{Level: "info", Console: true, Redaction: true}, &buf, false)
	require.NoError(t, err)
	require.NotNil(t, l.redactor)

	zl := l.Zerolog()
	zl.Info().Str("auth", "Bearer abc.def.ghi").Msg("calling provider")
	assert.NotContains(t, buf.String(), "abc.def.ghi")
	assert.Contains(t, buf.String(), redacted)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Redaction)
	assert.Greater(t, cfg.Rotation.MaxSizeMB, 0)
}
