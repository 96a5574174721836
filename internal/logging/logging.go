// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls how Init sets up the global logger.
type Config struct {
	// Format is "console" (human-readable, via zerolog.ConsoleWriter) or
	// "json". Any value other than "json" selects console output.
	Format string
	// Level is one of trace, debug, info, warn, error, fatal, panic, disabled.
	Level string
	// Component is attached to every log line emitted after Init.
	Component string
}

var (
	mu   sync.Mutex
	once sync.Once
)

// Init configures the global zerolog logger. Safe to call multiple times;
// the last call wins. Intended to run exactly once at process start, before
// any component begins logging.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	var writer interface{ Write([]byte) (int, error) } = os.Stderr
	if strings.ToLower(strings.TrimSpace(cfg.Format)) != "json" {
		writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(writer).With().Timestamp().Logger()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		logger = logger.With().Str("component", component).Logger()
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	log.Logger = logger

	once.Do(func() {
		zerolog.ErrorFieldName = "error"
	})
}

// parseLevel converts a string log level to zerolog.Level, defaulting to
// info and warning on anything unrecognized.
func parseLevel(levelStr string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	case "disabled", "none":
		return zerolog.Disabled
	default:
		log.Warn().Str("level", levelStr).Msg("unknown log level, defaulting to info")
		return zerolog.InfoLevel
	}
}
