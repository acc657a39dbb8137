// Package logging builds the process zap logger and provides error field helpers.
package logging

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"outliner-backend/internal/config"
	apperrors "outliner-backend/internal/errors"
)

// Logger pairs a zap logger with its adjustable level.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New creates a logger for the given configuration.
func New(cfg *config.Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	var zc zap.Config
	if cfg.IsProduction() {
		zc = zap.NewProductionConfig()
		zc.Sampling = &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		}
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = cfg.Logging.Format
	if zc.Encoding == "console" && !cfg.IsProduction() {
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	)
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("environment", string(cfg.Environment)))
	return &Logger{Logger: logger, level: zc.Level}, nil
}

// SetLevel changes the level of a running logger. Invalid levels are ignored.
func (l *Logger) SetLevel(level string) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		l.Warn("Ignoring invalid log level", zap.String("level", level))
		return
	}
	if l.level.Level() != lvl {
		l.level.SetLevel(lvl)
		l.Info("Log level changed", zap.String("level", lvl.String()))
	}
}

// Level returns the current level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// ErrorFields expands err into structured fields. Unified errors contribute their
// type, code, operation, resource and retryability.
func ErrorFields(err error) []zap.Field {
	if err == nil {
		return nil
	}
	fields := []zap.Field{zap.Error(err)}

	var ue *apperrors.UnifiedError
	if !errors.As(err, &ue) {
		return fields
	}
	fields = append(fields,
		zap.String("error_type", string(ue.Type)),
		zap.String("error_code", ue.Code),
		zap.Bool("retryable", ue.Retryable),
	)
	if ue.Operation != "" {
		fields = append(fields, zap.String("operation", ue.Operation))
	}
	if ue.Resource != "" {
		fields = append(fields, zap.String("node_id", ue.Resource))
	}
	return fields
}
