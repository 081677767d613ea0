// Package logging builds the zerolog logger used by the command-line tool.
package logging

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level and output format. Zero values mean info level, JSON.
type Config struct {
	Level  string `env:"STDIORPC_LOG_LEVEL,default=info"`
	Format string `env:"STDIORPC_LOG_FORMAT,default=json"`
}

// New returns a timestamped logger writing to w. An unknown level falls back
// to info; Format "text" or "console" selects zerolog's console writer.
func New(w io.Writer, cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	switch strings.ToLower(cfg.Format) {
	case "text", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
