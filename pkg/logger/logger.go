// Package logger wraps zap with the call shape the rest of the codebase
// expects: variadic key/value pairs on Info/Warn/Error/Debug, a With()
// that returns a bound sub-logger, and a Zap() escape hatch for callers
// that need the underlying *zap.Logger directly.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging capability threaded through every domain service.
type Logger struct {
	z *zap.Logger
}

// New builds a Logger whose encoding and level are driven by environment:
// JSON in "production", console elsewhere.
func New(level string, environment string) (*Logger, error) {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop()}
}

func toFields(kv []any) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

func (l *Logger) Debug(msg string, kv ...any) { l.z.Debug(msg, toFields(kv)...) }
func (l *Logger) Info(msg string, kv ...any)  { l.z.Info(msg, toFields(kv)...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.z.Warn(msg, toFields(kv)...) }
func (l *Logger) Error(msg string, kv ...any) { l.z.Error(msg, toFields(kv)...) }
func (l *Logger) Fatal(msg string, kv ...any) { l.z.Fatal(msg, toFields(kv)...) }

// With returns a sub-logger with the given key/value pairs bound to every
// subsequent log line, used to scope a logger to a workflowId/stepName.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{z: l.z.With(toFields(kv)...)}
}

// Zap exposes the underlying zap logger for libraries that want it
// directly (otel, gin middleware, etc).
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Sync flushes any buffered log entries, called during shutdown.
func (l *Logger) Sync() error {
	return l.z.Sync()
}
