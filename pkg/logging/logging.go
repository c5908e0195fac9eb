// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Config struct {
	Level  string
	Format string
	Writer io.Writer
}

func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatConsole,
		Writer: os.Stderr,
	}
}

// New returns a timestamped logger writing to cfg.Writer. Unknown levels
// fall back to info.
func New(cfg *Config) zerolog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(cfg.Format, FormatConsole) {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
