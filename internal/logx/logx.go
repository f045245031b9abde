// Package logx provides the engine's rotating, per-component-prefixed
// loggers: stdlib log.Logger instances writing through
// gopkg.in/natefinch/lumberjack.v2 for rotation.
package logx

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the closed set of severities this package emits at.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "???"
	}
}

// Logger is a leveled, component-prefixed logger over an optionally
// rotating file.
type Logger struct {
	component string
	minLevel  Level
	std       *log.Logger
}

// Options configures New.
type Options struct {
	// Path, when non-empty, is the log file rotated via lumberjack. Empty
	// means log to stderr without rotation (the common case for a CLI
	// invocation; rotation matters for a long-lived daemon-style caller).
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	MinLevel   Level
}

// New builds a Logger for component (e.g. "merge", "assurance", "journal").
func New(component string, opts Options) *Logger {
	var out *log.Logger
	if opts.Path == "" {
		out = log.New(os.Stderr, "", log.LstdFlags)
	} else {
		maxSize := opts.MaxSizeMB
		if maxSize == 0 {
			maxSize = 50
		}
		maxBackups := opts.MaxBackups
		if maxBackups == 0 {
			maxBackups = 5
		}
		maxAge := opts.MaxAgeDays
		if maxAge == 0 {
			maxAge = 28
		}
		out = log.New(&lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
			Compress:   true,
		}, "", log.LstdFlags)
	}

	return &Logger{component: component, minLevel: opts.MinLevel, std: out}
}

func (l *Logger) log(level Level, format string, args ...any) {
	if l == nil || level < l.minLevel {
		return
	}
	l.std.Printf("[%s] %s %s", level, l.component, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }

// With returns a child Logger for a sub-component, e.g. merge.With("resolve").
func (l *Logger) With(subComponent string) *Logger {
	return &Logger{component: l.component + "." + subComponent, minLevel: l.minLevel, std: l.std}
}
