// Package logger is a process-wide leveled logging façade backed by zap.
//
// Call sites use printf-style helpers; the zap core underneath provides
// timestamps, level filtering, and atomic level changes at runtime.
package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	log   = newLogger("console")
)

func newLogger(encoding string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = encoding
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "console" {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.DisableStacktrace = true

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// The production config only errors on invalid sinks; the default
		// stderr sink cannot fail.
		panic(err)
	}
	return logger.Sugar()
}

// SetLevel changes the minimum emitted level. Unknown names are ignored.
func SetLevel(name string) {
	switch strings.ToUpper(name) {
	case "DEBUG":
		level.SetLevel(zapcore.DebugLevel)
	case "INFO":
		level.SetLevel(zapcore.InfoLevel)
	case "WARN":
		level.SetLevel(zapcore.WarnLevel)
	case "ERROR":
		level.SetLevel(zapcore.ErrorLevel)
	}
}

// SetFormat switches between "text" (console) and "json" output. Unknown
// names are ignored.
func SetFormat(name string) {
	var encoding string
	switch strings.ToLower(name) {
	case "text", "console":
		encoding = "console"
	case "json":
		encoding = "json"
	default:
		return
	}

	mu.Lock()
	defer mu.Unlock()
	log = newLogger(encoding)
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func Debug(format string, v ...any) {
	current().Debugf(format, v...)
}

func Info(format string, v ...any) {
	current().Infof(format, v...)
}

func Warn(format string, v ...any) {
	current().Warnf(format, v...)
}

func Error(format string, v ...any) {
	current().Errorf(format, v...)
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	_ = current().Sync()
}
