// Package logging configures the application-wide structured loggers.
// It provides a JSON logger on stdout for machine consumption and a
// human-readable text logger on stderr.
package logging

import (
	"log/slog"
	"os"
	"sync"
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

var (
	mu         sync.Mutex
	structured *slog.Logger
	readable   *slog.Logger
)

// Init initializes the logging system at the given minimum level.
// JSON output goes to stdout, text output to stderr; the JSON logger
// becomes the slog default.
func Init(level slog.Level) {
	mu.Lock()
	defer mu.Unlock()

	opts := func(l slog.Level) *slog.HandlerOptions {
		return &slog.HandlerOptions{
			Level: l,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.LevelKey {
					lv := a.Value.Any().(slog.Level)
					if label, ok := levelNames[lv]; ok {
						a.Value = slog.StringValue(label)
					}
				}
				return a
			},
		}
	}

	structured = slog.New(slog.NewJSONHandler(os.Stdout, opts(level)))
	readable = slog.New(slog.NewTextHandler(os.Stderr, opts(level)))
	slog.SetDefault(structured)
}

// ForService returns a logger scoped to the named service component.
// Safe to call before Init; falls back to the slog default.
func ForService(service string) *slog.Logger {
	mu.Lock()
	l := structured
	mu.Unlock()
	if l == nil {
		l = slog.Default()
	}
	return l.With("service", service)
}

// HumanReadable returns the text logger for operator-facing output.
func HumanReadable() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if readable == nil {
		return slog.Default()
	}
	return readable
}

// ParseLevel maps a config string to a slog level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
