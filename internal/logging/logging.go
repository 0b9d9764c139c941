package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

const service = "pulse-ingest"

// Options configures the process-wide default logger. Format is "text" or
// "json".
type Options struct {
	Level  string
	Format string
}

var def atomic.Value

func init() {
	def.Store(build(Options{}))
}

func Configure(opts Options) {
	def.Store(build(opts))
}

func build(opts Options) *slog.Logger {
	cfg := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		h = slog.NewJSONHandler(os.Stderr, cfg)
	} else {
		h = slog.NewTextHandler(os.Stderr, cfg)
	}
	return slog.New(h).With("service", service)
}

func parseLevel(s string) slog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func L() *slog.Logger {
	l, _ := def.Load().(*slog.Logger)
	return l
}

// Named returns the current default logger tagged with a component attr.
func Named(component string) *slog.Logger {
	return L().With("component", component)
}

func InitFromEnv() {
	Configure(Options{
		Level:  os.Getenv("PULSE_LOG_LEVEL"),
		Format: os.Getenv("PULSE_LOG_FORMAT"),
	})
}
