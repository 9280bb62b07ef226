// Package klog provides logging output for the kernel.
//
// It is a thin veneer over log/slog: subsystems obtain a logger once during
// bring-up and attach their component name as a group. A Trace level below
// slog's Debug carries the scheduler's per-switch chatter, which is far too
// hot for Debug builds but occasionally indispensable.
package klog

import (
	"io"
	"log/slog"
	"os"
)

type (
	Attr   = slog.Attr
	Level  = slog.Level
	Logger = slog.Logger
)

var (
	String = slog.String
	Int    = slog.Int
	Int64  = slog.Int64
	Uint64 = slog.Uint64
	Any    = slog.Any
	Group  = slog.Group
)

const (
	// LevelTrace is the per-context-switch firehose.
	LevelTrace Level = slog.LevelDebug - 4

	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// LogLevel holds the active level; it can be raised or lowered at runtime,
// e.g. when the kernel parameter file changes.
var LogLevel = &slog.LevelVar{}

var defaultLogger = New(os.Stderr)

// New returns a text logger writing to out, filtered through LogLevel.
func New(out io.Writer) *Logger {
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: LogLevel}))
}

// Default returns the process-wide kernel logger. Components call it once at
// construction and cache the result.
func Default() *Logger { return defaultLogger }

// SetDefault overrides the process-wide kernel logger.
func SetDefault(l *Logger) { defaultLogger = l }

// Sub returns the default logger scoped to a named component.
func Sub(component string) *Logger {
	return defaultLogger.With(String("component", component))
}

// Trace logs at LevelTrace on the default logger.
func Trace(msg string, args ...any) {
	defaultLogger.Log(nil, LevelTrace, msg, args...)
}
