package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a structured JSON logger for one component.
// Log format: structured JSON to stdout.
// Production default: info. Set via DELAY_LOG_LEVEL env var or SetLogLevel.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, component)
}

// NewLoggerTo is NewLogger with an explicit sink.
func NewLoggerTo(w io.Writer, component string) zerolog.Logger {
	return zerolog.New(w).
		Level(ParseLogLevel(os.Getenv("DELAY_LOG_LEVEL"))).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// SetLogLevel sets the process-wide minimum level. Loggers created with a
// lower per-logger level are still filtered by it.
func SetLogLevel(s string) {
	zerolog.SetGlobalLevel(ParseLogLevel(s))
}

func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	// Timestamps in RFC3339 with sub-second precision
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
