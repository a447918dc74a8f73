// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging wraps charmbracelet/log with the component-tagging and
// default-logger conventions sockd's packages and cmd/sockd share.
package logging

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	charmlog "github.com/charmbracelet/log"
)

// Level mirrors charmlog's levels so callers never import charmlog
// directly.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) charm() charmlog.Level {
	switch l {
	case LevelDebug:
		return charmlog.DebugLevel
	case LevelWarn:
		return charmlog.WarnLevel
	case LevelError:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Config configures a Logger.
type Config struct {
	Level  Level
	Output io.Writer
	JSON   bool
}

// DefaultConfig returns info-level logging to stderr in text format.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Logger is a component-scoped structured logger.
type Logger struct {
	inner *charmlog.Logger
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := charmlog.Options{
		Level:           cfg.Level.charm(),
		ReportTimestamp: true,
	}
	if cfg.JSON {
		opts.Formatter = charmlog.JSONFormatter
	}
	return &Logger{inner: charmlog.NewWithOptions(out, opts)}
}

// WithComponent returns a child logger tagging every line with name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{inner: l.inner.With("component", name)}
}

// With returns a child logger with the given key/value pairs attached.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{inner: l.inner.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.inner.Error(msg, kv...) }

var defaultLogger atomic.Pointer[Logger]
var defaultOnce sync.Once

func defaultLog() *Logger {
	defaultOnce.Do(func() {
		if defaultLogger.Load() == nil {
			defaultLogger.Store(New(DefaultConfig()))
		}
	})
	return defaultLogger.Load()
}

// SetDefault installs l as the logger package-level Info/Warn/Error/Debug
// and WithComponent delegate to.
func SetDefault(l *Logger) {
	defaultOnce.Do(func() {})
	defaultLogger.Store(l)
}

// WithComponent scopes the current default logger to a component, mirroring
// sentinel.New's logging.WithComponent("sentinel") call in the teacher repo.
func WithComponent(name string) *Logger { return defaultLog().WithComponent(name) }

func Debug(msg string, kv ...any) { defaultLog().Debug(msg, kv...) }
func Info(msg string, kv ...any)  { defaultLog().Info(msg, kv...) }
func Warn(msg string, kv ...any)  { defaultLog().Warn(msg, kv...) }
func Error(msg string, kv ...any) { defaultLog().Error(msg, kv...) }
