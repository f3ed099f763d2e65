// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package log is the logging facade of the module. Library packages log
// through it so the host can redirect or silence the output.
package log // import "github.com/quickenunwind/quicken/internal/log"

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// time.RFC3339Nano removes trailing zeros from the seconds field.
// The following format doesn't (fixed-width output).
const timeStampFormat = "2006-01-02T15:04:05.000000000Z07:00"

// globalLogger holds the logrus logger used within the module. It logs to
// stderr at Info level until configured otherwise.
var globalLogger = func() *atomic.Pointer[logrus.Logger] {
	p := new(atomic.Pointer[logrus.Logger])
	p.Store(newLogger(os.Stderr, logrus.InfoLevel))
	return p
}()

func newLogger(out io.Writer, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:          true,
		FullTimestamp:          true,
		TimestampFormat:        timeStampFormat,
		DisableSorting:         true,
		DisableLevelTruncation: true,
	})
	return l
}

// SetLogger replaces the global logger.
func SetLogger(l *logrus.Logger) {
	globalLogger.Store(l)
}

// SetLevel changes the level of the global logger.
func SetLevel(level logrus.Level) {
	getLogger().SetLevel(level)
}

// SetDebugLogger configures the global logger to write debug-level logs to stderr.
func SetDebugLogger() {
	SetLogger(newLogger(os.Stderr, logrus.DebugLevel))
}

func getLogger() *logrus.Logger {
	return globalLogger.Load()
}

// Infof logs informational messages about the general state of generation.
func Infof(msg string, args ...any) {
	getLogger().Infof(msg, args...)
}

// Errorf logs error messages about exceptional states.
func Errorf(msg string, args ...any) {
	getLogger().Errorf(msg, args...)
}

// Debugf logs detailed debugging information about decoding internals.
func Debugf(msg string, args ...any) {
	getLogger().Debugf(msg, args...)
}

// Warnf logs warnings: not errors, but likely more important than
// informational messages.
func Warnf(msg string, args ...any) {
	getLogger().Warnf(msg, args...)
}

// WithField returns an entry carrying one structured field.
func WithField(key string, value any) *logrus.Entry {
	return getLogger().WithField(key, value)
}
