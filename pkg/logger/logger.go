// ==============================================================================
// LOGGER PACKAGE - pkg/logger/logger.go
// ==============================================================================
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Info(message string, fields map[string]interface{})
	Error(message string, fields map[string]interface{})
	Warn(message string, fields map[string]interface{})
	Debug(message string, fields map[string]interface{})
	Fatal(message string, fields map[string]interface{})
	With(fields map[string]interface{}) Logger
}

// New returns a JSON logger tagged with the service name. LOG_LEVEL selects
// the minimum level (debug, info, warn, error).
func New(serviceName string) Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(os.Getenv("LOG_LEVEL")))
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewExample()
	}
	return &zapLogger{l: l.With(zap.String("service", serviceName))}
}

// NewZap wraps an existing *zap.Logger.
func NewZap(l *zap.Logger) Logger {
	return &zapLogger{l: l}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

type zapLogger struct {
	l *zap.Logger
}

func (z *zapLogger) Info(message string, fields map[string]interface{}) {
	z.l.Info(message, toZapFields(fields)...)
}

func (z *zapLogger) Error(message string, fields map[string]interface{}) {
	z.l.Error(message, toZapFields(fields)...)
}

func (z *zapLogger) Warn(message string, fields map[string]interface{}) {
	z.l.Warn(message, toZapFields(fields)...)
}

func (z *zapLogger) Debug(message string, fields map[string]interface{}) {
	z.l.Debug(message, toZapFields(fields)...)
}

func (z *zapLogger) Fatal(message string, fields map[string]interface{}) {
	z.l.Fatal(message, toZapFields(fields)...)
}

func (z *zapLogger) With(fields map[string]interface{}) Logger {
	return &zapLogger{l: z.l.With(toZapFields(fields)...)}
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

func NewNop() Logger {
	return &zapLogger{l: zap.NewNop()}
}
