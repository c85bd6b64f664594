// Package gwlog configures the process-wide logrus logger and hands out
// component-scoped entries, following the same global-logger-plus-hook
// shape the gateway's ancestors used for cross-cutting log behavior.
package gwlog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	base     = logrus.New()
	initOnce sync.Once
)

// Options controls how the base logger is configured. Zero value is
// production defaults (JSON, info level).
type Options struct {
	Format string // "json" or "text"
	Level  string // logrus level name, defaults to "info"
}

// Init configures the base logger. Safe to call once at process start;
// subsequent calls are no-ops so tests can call it defensively.
func Init(opts Options) {
	initOnce.Do(func() {
		if opts.Format == "text" {
			base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		} else {
			base.SetFormatter(&logrus.JSONFormatter{})
		}

		level, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			level = logrus.InfoLevel
		}
		base.SetLevel(level)
	})
}

// Base returns the process-wide logger.
func Base() *logrus.Logger {
	return base
}

// For returns a logger entry scoped to a named component, e.g. For("poller").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// ForDevice returns a logger entry scoped to a component and device id.
func ForDevice(component, deviceID string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"component": component,
		"device":    deviceID,
	})
}

// AddHook attaches a logrus hook to the base logger, e.g. one that
// increments a metrics counter on Error/Fatal entries.
func AddHook(hook logrus.Hook) {
	base.AddHook(hook)
}
