package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level represents a log level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the log output format.
type Format string

// Output formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level Level

	// Format is the console output format (text or json).
	Format Format

	// Output is the console writer. Defaults to os.Stderr.
	Output io.Writer

	// File, when set, also receives every record as JSON, debug included,
	// whatever Level says.
	File io.Writer

	// AddSource adds source file and line to log entries.
	AddSource bool
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatText,
		Output: os.Stderr,
	}
}

// New creates a logger from cfg.
func New(cfg Config) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	default:
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	if cfg.File != nil {
		file := slog.NewJSONHandler(cfg.File, &slog.HandlerOptions{
			Level:     LevelDebug,
			AddSource: cfg.AddSource,
		})
		handler = tee{handler, file}
	}

	return slog.New(handler)
}

// Nop returns a logger that discards all output.
func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Component returns log tagged with a component name, or a no-op logger
// when log is nil.
func Component(log *slog.Logger, name string) *slog.Logger {
	if log == nil {
		return Nop()
	}
	return log.With("component", name)
}

// ParseLevel parses a log level name case-insensitively. Unknown names
// yield LevelInfo; use ParseLevelStrict to reject them.
func ParseLevel(s string) Level {
	l, err := ParseLevelStrict(s)
	if err != nil {
		return LevelInfo
	}
	return l
}

// ParseLevelStrict parses a log level name: debug, info, warn (or
// warning), error. The empty string is info.
func ParseLevelStrict(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ParseFormat parses a log format name. Anything but "json" is text.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatText
}
