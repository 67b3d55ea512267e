// Package logging configures structured logging for gdbmux using log/slog.
package logging

import (
	"bytes"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Level is the level of the default logger. It can be changed at runtime.
var Level slog.LevelVar

// Options selects the handler of the default logger.
type Options struct {
	// Level is debug, info, warn or error; anything else means info.
	Level string
	// Format is "json" or "text"; anything else means text.
	Format string
	// Output defaults to stderr.
	Output io.Writer
}

// Setup installs a default logger configured from LOG_LEVEL and LOG_FORMAT.
// It runs before configuration is loaded so that loading errors are logged
// consistently; Configure replaces it once the configuration is known.
func Setup() {
	Configure(Options{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
	})
}

// Configure installs the default slog logger and routes the standard "log"
// package through it. Debug logging includes source locations.
func Configure(opts Options) *slog.Logger {
	w := opts.Output
	if w == nil {
		w = os.Stderr
	}

	Level.Set(ParseLevel(opts.Level))
	hopts := &slog.HandlerOptions{
		Level:     &Level,
		AddSource: Level.Level() <= slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	log.SetOutput(&stdlibWriter{logger: logger})
	log.SetFlags(0)

	return logger
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Component returns the default logger tagged with a component name.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// ErrorLog returns a *log.Logger that writes to the default logger at WARN,
// for APIs such as http.Server.ErrorLog that only accept the stdlib type.
func ErrorLog(component string) *log.Logger {
	return slog.NewLogLogger(Component(component).Handler(), slog.LevelWarn)
}

// stdlibWriter turns each line written through the stdlib "log" package into
// one INFO record.
type stdlibWriter struct {
	logger *slog.Logger
}

func (w *stdlibWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		w.logger.Info(string(line), "logger", "stdlib")
	}
	return len(p), nil
}
