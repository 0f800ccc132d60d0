package sigmatrade

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Logger abstracts logging behaviour used across the project.
type Logger interface {
	Printf(format string, args ...any)
	Warnf(format string, args ...any)
}

var baseLogger atomic.Pointer[zap.Logger]

func init() {
	baseLogger.Store(zap.NewNop())
}

// ConfigureLogging builds the process-wide zap logger. Production environments
// get JSON output, anything else the development console encoder.
func ConfigureLogging(level, environment string) error {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = true
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	cfg.Level = atomicLevel
	cfg.InitialFields = map[string]any{"service": "sigmatrade"}

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	baseLogger.Store(logger)
	return nil
}

// SyncLogging flushes buffered entries of the process-wide logger.
func SyncLogging() {
	_ = baseLogger.Load().Sync()
}

// NewLogger returns a logger that writes entries tagged with the component name.
func NewLogger(tag string) Logger {
	return &zapLogger{tag: tag}
}

// NewDiscardLogger returns a logger that drops all log entries (useful in tests).
func NewDiscardLogger() Logger {
	return &zapLogger{nop: zap.NewNop().Sugar()}
}

type zapLogger struct {
	tag string
	nop *zap.SugaredLogger
}

// sugar resolves the base logger on every call so package-level loggers
// created before ConfigureLogging still follow the configured output.
func (l *zapLogger) sugar() *zap.SugaredLogger {
	if l.nop != nil {
		return l.nop
	}
	return baseLogger.Load().Sugar().Named(l.tag)
}

func (l *zapLogger) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	l.sugar().Infof(format, args...)
}

func (l *zapLogger) Warnf(format string, args ...any) {
	if l == nil {
		return
	}
	l.sugar().Warnf(format, args...)
}
