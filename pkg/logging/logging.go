// Package logging builds the process-wide zap logger.
// File output, when configured, rotates through lumberjack.
package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options control logger construction.
type Options struct {
	Level      string // debug, info, warn, error
	File       string // empty means stdout only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu     sync.RWMutex
	global *zap.SugaredLogger
)

// New builds a logger from the given options.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stdout),
		level,
	)

	if opts.File == "" {
		return zap.New(consoleCore), nil
	}

	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}),
		level,
	)
	return zap.New(zapcore.NewTee(consoleCore, fileCore)), nil
}

// SetLogger replaces the global logger.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	global = l.Sugar()
}

// L returns the global sugared logger, building a default one on first use.
func L() *zap.SugaredLogger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		l, err := New(Options{})
		if err != nil {
			// cannot happen with default options, but keep a fallback
			l = zap.NewNop()
		}
		global = l.Sugar()
	}
	return global
}

// Named returns a child of the global logger.
func Named(name string) *zap.SugaredLogger {
	return L().Named(name)
}
