// Package logger builds the zerolog logger used across the CLI.
package logger

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

const (
	colorRed     = 31
	colorGreen   = 32
	colorYellow  = 33
	colorMagenta = 35
	colorBold    = 1
)

func colorize(s any, c int) string {
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}

// ParseLevel parses a LOG_LEVEL value, falling back to info.
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// New returns a logger writing to w. env "development", "dev" or empty
// selects the colored console format, anything else JSON lines.
func New(w io.Writer, env string, level zerolog.Level) zerolog.Logger {
	switch env {
	case "development", "dev", "":
		return newDevelopment(w).Level(level)
	default:
		return newProduction(w).Level(level)
	}
}

func newDevelopment(w io.Writer) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "2006-01-02 15:04:05",
		FormatLevel: func(i any) string {
			ll, ok := i.(string)
			if !ok || ll == "" {
				return "???"
			}
			switch ll {
			case "trace":
				return colorize("TRC", colorMagenta)
			case "debug":
				return colorize("DBG", colorYellow)
			case "info":
				return colorize("INF", colorGreen)
			case "warn":
				return colorize("WRN", colorRed)
			case "error":
				return colorize("ERR", colorRed)
			case "fatal":
				return colorize("FTL", colorRed)
			default:
				return colorize(strings.ToUpper(ll)[:min(3, len(ll))], colorBold)
			}
		},
	}
	return zerolog.New(output).With().Timestamp().Logger()
}

func newProduction(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}
