// Package logging builds the logrus loggers used across the service.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing to out (stderr when nil) at level in the given format
// ("text" or "json").
func New(level, format string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if out == nil {
		out = os.Stderr
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)
	switch format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return logger, nil
}

// Component returns an entry tagged with the component name.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// SlogHandler returns a slog handler that writes to the logger's output at a level
// matching the logger's, for libraries that only accept slog.
func SlogHandler(logger *logrus.Logger) slog.Handler {
	level := slog.LevelInfo
	switch {
	case logger.IsLevelEnabled(logrus.DebugLevel):
		level = slog.LevelDebug
	case !logger.IsLevelEnabled(logrus.InfoLevel) && logger.IsLevelEnabled(logrus.WarnLevel):
		level = slog.LevelWarn
	case !logger.IsLevelEnabled(logrus.WarnLevel):
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); ok {
		return slog.NewJSONHandler(logger.Out, opts)
	}
	return slog.NewTextHandler(logger.Out, opts)
}
