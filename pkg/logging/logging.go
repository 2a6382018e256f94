// Package logging wires mugen's pool, proxy, and transport layers to a
// structured logger. It defaults to a logrus instance writing to stderr,
// but a caller can substitute its own via SetLogger.
package logging

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Fields is a structured logging payload, passed through to logrus.Fields.
type Fields = logrus.Fields

var (
	mu  sync.RWMutex
	log = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLogger replaces the package-level logger. Passing nil restores the
// default stderr logrus logger.
func SetLogger(l *logrus.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		log = newDefault()
		return
	}
	log = l
}

func current() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Debugf logs a formatted debug-level message.
func Debugf(format string, args ...interface{}) {
	current().Debugf(format, args...)
}

// Infof logs a formatted info-level message.
func Infof(format string, args ...interface{}) {
	current().Infof(format, args...)
}

// Warnf logs a formatted warn-level message.
func Warnf(format string, args ...interface{}) {
	current().Warnf(format, args...)
}

// Errorf logs a formatted error-level message.
func Errorf(format string, args ...interface{}) {
	current().Errorf(format, args...)
}

// WithFields returns an entry carrying structured fields, for a caller that
// wants more than one field attached to a single log line.
func WithFields(f Fields) *logrus.Entry {
	return current().WithFields(f)
}
