package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// -----------------------------------------------------------------------------

// Logger provides structured logging functionality
type Logger struct {
	name   string
	sugar  *zap.SugaredLogger
	config interface{}
}

// levelSource is satisfied by *models.MConfig and anything embedding it.
type levelSource interface {
	GetLogLevel() string
}

// -----------------------------------------------------------------------------

// NewLogger creates a new Logger instance
func NewLogger(config interface{}, name string) *Logger {
	level := zapcore.InfoLevel
	if src, ok := config.(levelSource); ok {
		level = ParseLevel(src.GetLogLevel())
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zc.DisableStacktrace = true
	zc.Sampling = nil

	base, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		base = zap.NewExample()
	}

	return &Logger{
		name:   name,
		sugar:  base.Named(name).Sugar(),
		config: config,
	}
}

// -----------------------------------------------------------------------------

// NewLoggerWithCore builds a Logger on top of an existing core, e.g. an
// observer core in tests.
func NewLoggerWithCore(core zapcore.Core, name string) *Logger {
	return &Logger{
		name:  name,
		sugar: zap.New(core, zap.AddCallerSkip(1)).Named(name).Sugar(),
	}
}

// -----------------------------------------------------------------------------

// NewNop returns a Logger that discards everything.
func NewNop(name string) *Logger {
	return &Logger{name: name, sugar: zap.NewNop().Sugar()}
}

// -----------------------------------------------------------------------------

// ParseLevel maps config level names (DEBUG, INFO, WARNING, ERROR) to zap levels.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	case "CRITICAL", "FATAL":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// -----------------------------------------------------------------------------

// Named returns a child logger, keeping the parent's core.
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		name:   l.name + "." + name,
		sugar:  l.sugar.Named(name),
		config: l.config,
	}
}

// -----------------------------------------------------------------------------

// With attaches structured key/value pairs to every following entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		name:   l.name,
		sugar:  l.sugar.With(keysAndValues...),
		config: l.config,
	}
}

// -----------------------------------------------------------------------------

// Debug logs diagnostic messages
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// -----------------------------------------------------------------------------

func (l *Logger) Warning(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// -----------------------------------------------------------------------------

// Info logs informational messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// -----------------------------------------------------------------------------

// Error logs error messages
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// -----------------------------------------------------------------------------

// Critical logs critical errors and exits the application
func (l *Logger) Critical(format string, args ...interface{}) {
	l.sugar.Fatalf(format, args...)
}

// -----------------------------------------------------------------------------

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
