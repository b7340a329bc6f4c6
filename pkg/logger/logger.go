package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu  sync.RWMutex
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"}).
		With().Timestamp().Logger()
)

// Init configures the global logger from the Logging config section.
// An empty path logs to stderr; a file path enables size-based rotation.
func Init(level, path string) {
	mu.Lock()
	defer mu.Unlock()

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"}
	if path != "" {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // MB
			MaxBackups: 5,
		}
	}
	log = zerolog.New(out).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func emit(ev *zerolog.Event, component, msg string, fields map[string]any) {
	ev = ev.Str("component", component)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// DebugCF logs a component-scoped debug message with structured fields.
func DebugCF(component, msg string, fields map[string]any) {
	l := current()
	emit(l.Debug(), component, msg, fields)
}

// InfoCF logs a component-scoped info message with structured fields.
func InfoCF(component, msg string, fields map[string]any) {
	l := current()
	emit(l.Info(), component, msg, fields)
}

// WarnCF logs a component-scoped warning with structured fields.
func WarnCF(component, msg string, fields map[string]any) {
	l := current()
	emit(l.Warn(), component, msg, fields)
}

// ErrorCF logs a component-scoped error with structured fields.
func ErrorCF(component, msg string, fields map[string]any) {
	l := current()
	emit(l.Error(), component, msg, fields)
}
