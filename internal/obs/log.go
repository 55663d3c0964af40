package obs

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	logger   *zap.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = mustBuild("info")
	}
	return logger
}

// SetLogger replaces the shared logger and returns the previous one.
func SetLogger(l *zap.Logger) *zap.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	prev := logger
	logger = l
	if prev == nil {
		prev = zap.NewNop()
	}
	return prev
}

// InitLogger builds the production JSON logger at the given level.
func InitLogger(level string) (*zap.Logger, error) {
	l, err := build(level)
	if err != nil {
		return nil, err
	}
	SetLogger(l)
	return l, nil
}

func build(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(strings.ToLower(level)))); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return cfg.Build()
}

func mustBuild(level string) *zap.Logger {
	l, err := build(level)
	if err != nil {
		return zap.NewNop()
	}
	return l
}
