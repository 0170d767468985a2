// Package logger carries a zerolog logger through contexts for the
// benchmark harness and CLI.
package logger

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const DefaultLevel = zerolog.InfoLevel

var (
	logLevel, logFormat string
)

// SetLevel sets the default log level.
func SetLevel(to string) {
	lvl, err := zerolog.ParseLevel(to)
	if err == nil {
		logLevel = lvl.String()
	}
}

// SetFormat sets the default log format ("json" or console).
func SetFormat(to string) {
	logFormat = to
}

type loggerKey struct{}

// With sets a logger in the context for future use.
func With(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// From returns the logger from the given context, defaulting to a new
// logger at the default level.
func From(ctx context.Context) *zerolog.Logger {
	logger := ctx.Value(loggerKey{})
	if logger == nil {
		return Default()
	}
	l := logger.(zerolog.Logger)
	return &l
}

// New returns a new logger set to the given level.
func New(lvl zerolog.Level) *zerolog.Logger {
	l := zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()

	if !viper.GetBool("json") && logFormat != "json" {
		l = l.Output(zerolog.ConsoleWriter{
			Out: os.Stderr,
		})
	}

	return &l
}

// Default returns a new logger with no context, set to the default
// level.
func Default() *zerolog.Logger {
	if logLevel == "" {
		return New(DefaultLevel)
	}
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		panic(err)
	}
	return New(lvl)
}
