package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a structured logger based on environment. The
// returned AtomicLevel lets the SET_LOG_LEVEL protocol message retune
// verbosity at runtime without rebuilding the logger.
func NewLogger(env, level string) (*zap.Logger, zap.AtomicLevel, error) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	atomic := zap.NewAtomicLevelAt(zapLevel)
	config.Level = atomic

	logger, err := config.Build()
	if err != nil {
		return nil, atomic, err
	}
	return logger, atomic, nil
}

// SetLevel applies a level name to the atomic level, falling back to
// info for unknown names so a bad SET_LOG_LEVEL payload cannot silence
// the process.
func SetLevel(atomic zap.AtomicLevel, level string) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	atomic.SetLevel(parsed)
}
