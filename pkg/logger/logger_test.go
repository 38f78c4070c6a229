package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger_Fields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := NewZap(zap.New(core)).With(map[string]interface{}{"component": "sweeper"})

	log.Debug("dropped", nil)
	log.Warn("step timed out", map[string]interface{}{"step_number": 2, "error": errors.New("deadline passed")})

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "sweeper", ctx["component"])
	assert.Equal(t, int64(2), ctx["step_number"])
	assert.Equal(t, "deadline passed", ctx["error"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel(" DEBUG "))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}
