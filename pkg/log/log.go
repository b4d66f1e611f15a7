package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. It discards everything until Init runs,
// so packages can log from tests without setup.
var Logger = zerolog.Nop()

// Level is a configured log level name
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer // Defaults to stdout
}

// zerologLevel maps a configured level, falling back to info for anything
// zerolog does not know or for levels below debug
func zerologLevel(l Level) zerolog.Level {
	level, err := zerolog.ParseLevel(string(l))
	if err != nil || l == "" || level < zerolog.DebugLevel {
		return zerolog.InfoLevel
	}
	return level
}

// Init configures the global logger
func Init(cfg Config) {
	zerolog.SetGlobalLevel(zerologLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID creates a child logger with node_id field
func WithNodeID(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}

// WithAllocationID creates a child logger with allocation_id field
func WithAllocationID(allocationID string) zerolog.Logger {
	return Logger.With().Str("allocation_id", allocationID).Logger()
}

// WithEntryID creates a child logger with entry_id field
func WithEntryID(entryID string) zerolog.Logger {
	return Logger.With().Str("entry_id", entryID).Logger()
}
