package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestNewFileWritesComponentField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timerlink.log")
	logger, err := NewFile("debug", path)
	require.NoError(t, err)

	For(logger, ComponentSession).Info("link attached")
	require.NoError(t, logger.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "link attached")
	assert.Contains(t, string(raw), `"component": "SESSION"`)
}

func TestForNilLoggerIsNop(t *testing.T) {
	logger := For(nil, ComponentApp)
	require.NotNil(t, logger)
	logger.Info("discarded")
}
