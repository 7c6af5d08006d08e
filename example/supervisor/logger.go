package main

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// envLogLevel overrides the configured log level.
const envLogLevel = "SPROTOCOL_LOG_LEVEL"

// zlogger adapts a zerolog.Logger to sprotocol.Logger.
type zlogger struct {
	l zerolog.Logger
}

func (z zlogger) Debug(msg string, args ...any) { z.l.Debug().Fields(args).Msg(msg) }
func (z zlogger) Info(msg string, args ...any)  { z.l.Info().Fields(args).Msg(msg) }
func (z zlogger) Warn(msg string, args ...any)  { z.l.Warn().Fields(args).Msg(msg) }
func (z zlogger) Error(msg string, args ...any) { z.l.Error().Fields(args).Msg(msg) }

func newLogger(level, format string, w io.Writer) (zlogger, error) {
	if env := strings.TrimSpace(os.Getenv(envLogLevel)); env != "" {
		level = env
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zlogger{}, err
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	return zlogger{l: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}, nil
}
