// Package logging adapts logrus to relay.Logger for the command line tools.
package logging

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/velmie/relay"
)

// Logger implements relay.Logger on a logrus entry.
type Logger struct {
	entry *logrus.Entry
}

var _ relay.Logger = Logger{}

// New builds a logrus logger writing to out. format is "json" or "text".
func New(out io.Writer, level, format string) (Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return Logger{}, fmt.Errorf("parse log level: %w", err)
	}

	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(lvl)
	if format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return Logger{entry: logrus.NewEntry(base)}, nil
}

// With returns a logger that adds fields built from key/value args to every entry.
func (l Logger) With(args ...any) Logger {
	return Logger{entry: l.entry.WithFields(fields(args))}
}

// Debug implements relay.Logger.
func (l Logger) Debug(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Debug(msg)
}

// Info implements relay.Logger.
func (l Logger) Info(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Info(msg)
}

// Warn implements relay.Logger.
func (l Logger) Warn(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Warn(msg)
}

// Error implements relay.Logger.
func (l Logger) Error(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Error(msg)
}

func fields(args []any) logrus.Fields {
	out := make(logrus.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 >= len(args) {
			out[key] = "<missing>"
			break
		}
		val := args[i+1]
		if err, ok := val.(error); ok {
			val = err.Error()
		}
		out[key] = val
	}

	return out
}
