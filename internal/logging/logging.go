// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a JSON logger in production and a console logger otherwise.
// Unknown levels fall back to info.
func New(env, level string) zerolog.Logger {
	return NewWithWriter(os.Stdout, env, level)
}

func NewWithWriter(w io.Writer, env, level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	if !strings.EqualFold(env, "production") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: w != os.Stdout}
	}
	return zerolog.New(w).Level(parsed).With().Timestamp().Str("service", "logbook-api").Logger()
}
