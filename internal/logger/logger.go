// Package logger provides structured, level-gated logging for the engine.
//
// Each entry is written as a single line with fixed-width columns:
//
//	2006-01-02 15:04:05.000 | MODULE       | ACTION               | LEVEL | message
//
// Levels (lowest to highest): debug, info, warn, error. Level labels are
// coloured when the current output is a terminal and NO_COLOR is unset.
//
// Raw PII never reaches a log line. Callers log counts, session and document
// IDs, and ID prefixes (hasher.ID.Short) only.
//
// Usage:
//
//	log := logger.New("ENGINE", cfg.LogLevel)
//	log.Infof("compare", "session=%s shared=%d strength=%.2f", sid, n, s)
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Level represents a log severity.
type Level int32

// Log severity constants, ordered lowest to highest.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lower-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

var labelText = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO ",
	LevelWarn:  "WARN ",
	LevelError: "ERROR",
}

var labelColor = map[Level][]color.Attribute{
	LevelDebug: {color.FgHiBlack},
	LevelInfo:  {color.FgGreen},
	LevelWarn:  {color.FgYellow},
	LevelError: {color.FgRed, color.Bold},
}

// label renders the level column, with ANSI colour only when asked.
func label(level Level, colored bool) string {
	if !colored {
		return labelText[level]
	}
	c := color.New(labelColor[level]...)
	c.EnableColor()
	return c.Sprint(labelText[level])
}

// isTerminal reports whether w is a terminal that should receive colour.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Logger writes structured log lines for a single module. Loggers derived
// with Named share the parent's level and output.
type Logger struct {
	module  string
	level   *atomic.Int32
	colored *atomic.Bool
	out     *log.Logger
}

// New creates a Logger for the given module, gated at the given level string.
// Unrecognized level strings default to "info".
func New(module, levelStr string) *Logger {
	lvl := new(atomic.Int32)
	lvl.Store(int32(parseLevel(levelStr)))
	colored := new(atomic.Bool)
	colored.Store(isTerminal(os.Stderr))
	return &Logger{
		module:  strings.ToUpper(module),
		level:   lvl,
		colored: colored,
		out:     log.New(os.Stderr, "", 0),
	}
}

// Nop returns a Logger that discards everything. Useful in tests and as a
// default for optional loggers.
func Nop() *Logger {
	l := New("NOP", "error")
	l.SetOutput(io.Discard)
	return l
}

// Named returns a Logger for another module sharing this logger's level and
// output.
func (l *Logger) Named(module string) *Logger {
	return &Logger{module: strings.ToUpper(module), level: l.level, colored: l.colored, out: l.out}
}

// SetOutput redirects log lines to w. Colour follows w.
func (l *Logger) SetOutput(w io.Writer) {
	l.colored.Store(isTerminal(w))
	l.out.SetOutput(w)
}

// SetLevel changes the minimum log level at runtime.
func (l *Logger) SetLevel(levelStr string) {
	l.level.Store(int32(parseLevel(levelStr)))
}

// Level returns the current minimum level.
func (l *Logger) Level() Level { return Level(l.level.Load()) }

// Debug logs at DEBUG level.
func (l *Logger) Debug(action, msg string) { l.write(LevelDebug, action, msg) }

// Info logs at INFO level.
func (l *Logger) Info(action, msg string) { l.write(LevelInfo, action, msg) }

// Warn logs at WARN level.
func (l *Logger) Warn(action, msg string) { l.write(LevelWarn, action, msg) }

// Error logs at ERROR level.
func (l *Logger) Error(action, msg string) { l.write(LevelError, action, msg) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(action, format string, args ...any) {
	if l.enabled(LevelDebug) {
		l.Debug(action, fmt.Sprintf(format, args...))
	}
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(action, format string, args ...any) {
	l.Info(action, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(action, format string, args ...any) {
	l.Warn(action, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(action, format string, args ...any) {
	l.Error(action, fmt.Sprintf(format, args...))
}

// Fatal logs at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatal(action, msg string) {
	l.Error(action, msg)
	os.Exit(1)
}

// Fatalf logs a formatted message at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatalf(action, format string, args ...any) {
	l.Fatal(action, fmt.Sprintf(format, args...))
}

func (l *Logger) enabled(level Level) bool { return level >= l.Level() }

// write emits one log line if level >= the configured minimum.
func (l *Logger) write(level Level, action, msg string) {
	if !l.enabled(level) {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	l.out.Printf("%s | %-12s | %-22s | %s | %s", ts, l.module, action, label(level, l.colored.Load()), msg)
}

// parseLevel converts a string to a Level, defaulting to LevelInfo.
func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ValidLevel reports whether s names a known level.
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
