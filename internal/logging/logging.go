// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

const (
	// ErrParseLevel indicates that a string can't be parsed as a level.
	ErrParseLevel Error = "string can't be parsed as Level, use: `error`, `warn`, `info`, `debug`"
)

// Error represents package level errors.
type Error string

func (e Error) Error() string { return string(e) }

// Supported output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// ParseLevel parses a case-insensitive level name. Unknown or empty names
// yield slog.LevelInfo together with an error.
func ParseLevel(lvl string) (slog.Level, error) {
	if lvl == "" {
		return slog.LevelInfo, ErrParseLevel
	}

	levels := map[string]slog.Level{
		strings.ToLower(slog.LevelWarn.String()):  slog.LevelWarn,
		strings.ToLower(slog.LevelError.String()): slog.LevelError,
		strings.ToLower(slog.LevelInfo.String()):  slog.LevelInfo,
		strings.ToLower(slog.LevelDebug.String()): slog.LevelDebug,
	}

	level, ok := levels[strings.ToLower(lvl)]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("%s %w", lvl, ErrParseLevel)
	}

	return level, nil
}

// New builds a logger writing to w. Format "text" renders colourised lines
// for terminals; anything else is JSON.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	if strings.EqualFold(format, FormatText) {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		}))
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Setup installs the default logger on stdout. An unknown level falls back
// to info and is reported once the logger is in place.
func Setup(level, format string) *slog.Logger {
	lvl, err := ParseLevel(level)
	logger := New(os.Stdout, lvl, format)
	slog.SetDefault(logger)

	if err != nil && level != "" {
		logger.Warn("unknown log level, using info", "level", level)
	}
	return logger
}
