package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Development gets a pretty console writer,
// everything else JSON on stdout.
func New(env, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		return zerolog.New(out).Level(lvl).With().Timestamp().Caller().Logger()
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Nop is used by tests and tools that do not care about output.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
