// Package logger provides structured logging for crossdb components.
// Every component receives its logger by injection; components tolerate
// a nil logger so that library users are never forced to configure one.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap sugared logger with service identity attached to
// every entry.
type Logger struct {
	serviceName string
	version     string
	sugar       *zap.SugaredLogger
}

// New creates a production logger for the named service.
func New(serviceName, version string) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zl, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Production config cannot fail to build; fall back anyway.
		zl = zap.NewNop()
	}
	return newWith(serviceName, version, zl)
}

// NewDevelopment creates a console-friendly logger for local use.
func NewDevelopment(serviceName, version string) *Logger {
	zl, err := zap.NewDevelopment(zap.AddCallerSkip(1))
	if err != nil {
		zl = zap.NewNop()
	}
	return newWith(serviceName, version, zl)
}

// NewNop creates a logger that discards everything. Used in tests.
func NewNop() *Logger {
	return newWith("", "", zap.NewNop())
}

func newWith(serviceName, version string, zl *zap.Logger) *Logger {
	sugar := zl.Sugar()
	if serviceName != "" {
		sugar = sugar.With("service", serviceName, "version", version)
	}
	return &Logger{
		serviceName: serviceName,
		version:     version,
		sugar:       sugar,
	}
}

// With returns a child logger with additional key/value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		serviceName: l.serviceName,
		version:     l.version,
		sugar:       l.sugar.With(keysAndValues...),
	}
}

// Debug logs a debug message with printf-style formatting.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message with printf-style formatting.
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message with printf-style formatting.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message with printf-style formatting.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Fatal logs a fatal message and exits the process.
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.sugar.Fatalf(format, args...)
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
