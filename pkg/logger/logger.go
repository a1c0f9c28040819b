// Package logger provides structured logging for the Tor client, built on
// logrus so log output composes with the rest of the ambient stack
// (metrics labels, config reload events) using the same field vocabulary.
package logger

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Entry and exposes slog-style variadic key/value
// logging methods (Info("msg", "k", v, ...)) so call sites read the same
// regardless of which structured logger backs them.
type Logger struct {
	entry *logrus.Entry
}

// contextKey is the type for context keys used by this package
type contextKey string

const loggerKey contextKey = "logger"

// Level mirrors logrus.Level so callers don't need to import logrus directly.
type Level = logrus.Level

// New creates a new Logger at the given level, writing to w.
func New(level Level, w io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(level)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return &Logger{entry: logrus.NewEntry(base)}
}

// NewDefault creates a logger with default settings (Info level, stdout).
func NewDefault() *Logger {
	return New(logrus.InfoLevel, os.Stdout)
}

// ParseLevel parses a string log level into a Level, defaulting to Info
// on an unrecognized value rather than failing startup over a typo'd flag.
func ParseLevel(level string) (Level, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, nil
	}
	return lvl, nil
}

// WithContext returns a new context with the logger attached.
func WithContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from the context, or returns a default logger.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey).(*Logger); ok {
		return logger
	}
	return NewDefault()
}

// fieldsFromArgs turns alternating key/value pairs into logrus.Fields,
// tolerating an odd trailing argument (logged under "extra") rather than
// dropping it silently.
func fieldsFromArgs(args []any) logrus.Fields {
	fields := make(logrus.Fields, len(args)/2+1)
	i := 0
	for ; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "arg"
		}
		fields[key] = args[i+1]
	}
	if i < len(args) {
		fields["extra"] = args[i]
	}
	return fields
}

// With returns a new Logger with additional attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{entry: l.entry.WithFields(fieldsFromArgs(args))}
}

// WithGroup returns a new Logger namespaced under a group name.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{entry: l.entry.WithField("group", name)}
}

// Component returns a new Logger with a "component" attribute.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Circuit returns a new Logger with circuit information.
func (l *Logger) Circuit(id uint32) *Logger {
	return l.With("circuit_id", id)
}

// Stream returns a new Logger with stream information.
func (l *Logger) Stream(id uint16) *Logger {
	return l.With("stream_id", id)
}

// Debug logs at debug level with optional alternating key/value attributes.
func (l *Logger) Debug(msg string, args ...any) {
	l.entry.WithFields(fieldsFromArgs(args)).Debug(msg)
}

// Info logs at info level with optional alternating key/value attributes.
func (l *Logger) Info(msg string, args ...any) {
	l.entry.WithFields(fieldsFromArgs(args)).Info(msg)
}

// Warn logs at warn level with optional alternating key/value attributes.
func (l *Logger) Warn(msg string, args ...any) {
	l.entry.WithFields(fieldsFromArgs(args)).Warn(msg)
}

// Error logs at error level with optional alternating key/value attributes.
func (l *Logger) Error(msg string, args ...any) {
	l.entry.WithFields(fieldsFromArgs(args)).Error(msg)
}
