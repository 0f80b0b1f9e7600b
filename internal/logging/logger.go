// Package logging provides structured logging for tillsync.
//
// The package exposes a small package-level API (Info, Warn, Error) with
// an optional context map per call. Output is JSON, one entry per line,
// produced by logrus.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	global *logrus.Logger
	once   sync.Once
)

// Init initializes the global logger. Level is one of debug, info, warn,
// error; anything else falls back to info.
func Init(out io.Writer, level string) {
	once.Do(func() {
		global = newLogger(out, level)
	})
}

func newLogger(out io.Writer, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(parseLevel(level))
	return l
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel adjusts the global logger level, e.g. once configuration has
// been loaded.
func SetLevel(level string) {
	Get().SetLevel(parseLevel(level))
}

// Get returns the global logger instance.
func Get() *logrus.Logger {
	if global == nil {
		Init(os.Stdout, "info")
	}
	return global
}

// fields merges the optional context maps into logrus fields.
func fields(context ...map[string]interface{}) logrus.Fields {
	if len(context) == 0 {
		return nil
	}
	merged := make(logrus.Fields)
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Debug logs a debug message.
func Debug(message string, context ...map[string]interface{}) {
	Get().WithFields(fields(context...)).Debug(message)
}

// Info logs an info message.
func Info(message string, context ...map[string]interface{}) {
	Get().WithFields(fields(context...)).Info(message)
}

// Warn logs a warning message.
func Warn(message string, context ...map[string]interface{}) {
	Get().WithFields(fields(context...)).Warn(message)
}

// Error logs an error message.
func Error(message string, err error, context ...map[string]interface{}) {
	entry := Get().WithFields(fields(context...))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}

// ErrorWithCode logs an error message tagged with an application error
// code for downstream filtering.
func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	entry := Get().WithFields(fields(context...)).WithField("code", code)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}
