// Package logging adapts github.com/sirupsen/logrus to the narrow Printf-
// shaped Logger interface every package in this module logs through
// (mirroring the teacher's coap_http.go Logger interface), so call sites
// never import logrus directly.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the narrow logging capability this module's packages depend
// on: exchange.Logger, session.Logger, and friends all have the same
// shape so any of them accepts a *Adapter.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Adapter implements Logger on top of a *logrus.Entry, preserving
// structured fields (component, token, path) across the Printf boundary.
type Adapter struct {
	entry *logrus.Entry
}

// New builds an Adapter from a configured logrus.Logger.
func New(base *logrus.Logger) *Adapter {
	return &Adapter{entry: logrus.NewEntry(base)}
}

// With returns a copy of the adapter with additional structured fields
// attached, e.g. logging.New(base).With("component", "exchange").
func (a *Adapter) With(key string, value interface{}) *Adapter {
	return &Adapter{entry: a.entry.WithField(key, value)}
}

// Printf implements Logger at logrus's Debug level: this module's internal
// protocol chatter (retransmissions, state transitions, block sequencing)
// is diagnostic noise in production, not an operational signal.
func (a *Adapter) Printf(format string, v ...interface{}) {
	a.entry.Debugf(format, v...)
}

// NewDefault builds a logrus.Logger with the text formatter and field
// order cmd/lwm2m-client uses by default; callers needing JSON output or a different level configure
// their own *logrus.Logger and pass it to New instead.
func NewDefault(level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}
