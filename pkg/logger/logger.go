// Package logger wraps go.uber.org/zap behind the small interface the
// saga packages expect, the way pkg/telemetry wraps the OTel SDK.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	Level       string // "debug", "info", "warn", "error"
	ServiceName string
	Development bool
}

// Logger is a thin structured-logging facade over *zap.SugaredLogger.
type Logger struct {
	sugar *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	global  *Logger
)

// Init builds the global logger from cfg. Safe to call once at process
// startup; subsequent calls replace the global logger.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{Level: "info"}
	}

	level := parseLevel(cfg.Level)

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.ServiceName != "" {
		zcfg.InitialFields = map[string]interface{}{"service": cfg.ServiceName}
	}

	z, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build zap logger: %w", err)
	}

	mu.Lock()
	global = &Logger{sugar: z.Sugar()}
	mu.Unlock()

	return nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Get returns the global logger, initializing a sane default if Init was
// never called (unlike pkg/telemetry.Get, which returns nil until Init runs).
func Get() *Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}

	_ = Init(nil)
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Sync flushes any buffered log entries. Call on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if global != nil {
		_ = global.sugar.Sync()
	}
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.sugar.Debugw(msg, fields...) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.sugar.Infow(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.sugar.Warnw(msg, fields...) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.sugar.Errorw(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...interface{}) { l.sugar.Fatalw(msg, fields...) }
