// Package logging sets up the process-wide structured logger from the
// MOONFIRE_LOG and MOONFIRE_FORMAT environment variables named in spec.md
// §6, following the Config{Level,Format}/ParseLevel/ParseFormat shape of
// _examples/gtfodev-camsRelay/pkg/logger but built on zerolog (a direct
// dependency already declared in that sibling repo's go.mod) rather than
// the teacher's bare log.Logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Format selects the log output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat converts a string (as found in MOONFIRE_FORMAT) to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text", "console":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (must be text or json)", s)
	}
}

// ParseLevel converts a string (as found in MOONFIRE_LOG) to a
// zerolog.Level, defaulting to Info on an empty string.
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// New builds a root logger writing to w (normally os.Stderr) in the given
// format and level. Every component in the engine derives a sub-logger
// from this one via zerolog.Logger.With().Str("component", name).Logger(),
// the same "every manager holds a logger field" shape the teacher uses
// for *logger.Logger.
func New(w io.Writer, format Format, level zerolog.Level) zerolog.Logger {
	var writer io.Writer = w
	if format == FormatText {
		writer = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// NewFromEnv builds the root logger from MOONFIRE_LOG and MOONFIRE_FORMAT,
// per spec.md §6, falling back to info/text on unset or invalid values (an
// invalid value is logged as a warning once the logger exists).
func NewFromEnv() zerolog.Logger {
	level, levelErr := ParseLevel(os.Getenv("MOONFIRE_LOG"))
	format, formatErr := ParseFormat(os.Getenv("MOONFIRE_FORMAT"))
	if formatErr != nil {
		format = FormatText
	}
	log := New(os.Stderr, format, level)
	if levelErr != nil {
		log.Warn().Err(levelErr).Msg("falling back to info log level")
	}
	if formatErr != nil {
		log.Warn().Err(formatErr).Msg("falling back to text log format")
	}
	return log
}
