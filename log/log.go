// Package log provides a small logging facade over logrus so that packages can accept a logger without importing
// logrus directly.
package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Fields represents a set of structured log fields.
type Fields = logrus.Fields

// Logger provides a leveled-logging interface.
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)

	WithError(err error) Logger
	WithFields(fields Fields) Logger
}

type entryLogger struct {
	*logrus.Entry
}

func (l *entryLogger) WithError(err error) Logger {
	return &entryLogger{l.Entry.WithError(err)}
}

func (l *entryLogger) WithFields(fields Fields) Logger {
	return &entryLogger{l.Entry.WithFields(fields)}
}

// FromEntry wraps a logrus entry as a Logger.
func FromEntry(e *logrus.Entry) Logger {
	return &entryLogger{e}
}

// GetLogger returns a Logger backed by the logrus standard logger. Labkit configures the standard logger at startup.
func GetLogger() Logger {
	return FromEntry(logrus.NewEntry(logrus.StandardLogger()))
}

type loggerKey struct{}

// WithLogger returns a copy of ctx carrying the given logger.
func WithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger stored in ctx, falling back to GetLogger.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return GetLogger()
}
