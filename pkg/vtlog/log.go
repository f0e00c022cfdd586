// Package vtlog is the runtime-wide logging facade. It gives every
// component the same call shape the teacher uses throughout
// subprocess.go (log.Warningf, log.DebugfAtDepth, t.Debugf with a
// per-thread prefix) while letting the backend be swapped; today it is
// backed by logrus.
package vtlog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

func init() {
	std.SetOutput(os.Stderr)
	std.SetLevel(logrus.InfoLevel)
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel adjusts the global verbosity. name is one of
// "debug", "info", "warning", "error".
func SetLevel(name string) error {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	std.SetLevel(lvl)
	return nil
}

// Debugf logs at debug level.
func Debugf(format string, v ...any) { std.Debugf(format, v...) }

// DebugfAtDepth logs at debug level, noting the caller is `depth` frames
// up (kept for call-site parity with the teacher's log package; the
// logrus backend does not use depth for anything beyond documentation).
func DebugfAtDepth(depth int, format string, v ...any) { std.Debugf(format, v...) }

// Infof logs at info level.
func Infof(format string, v ...any) { std.Infof(format, v...) }

// Warningf logs at warning level.
func Warningf(format string, v ...any) { std.Warnf(format, v...) }

// Errorf logs at error level.
func Errorf(format string, v ...any) { std.Errorf(format, v...) }

// Entry returns a component-scoped logger, e.g. vtlog.Entry("dispatcher").
func Entry(component string) *logrus.Entry {
	return std.WithField("component", component)
}

// Prefixed returns a function with the call shape of thread.Debugf in
// subprocess.go: a fixed prefix applied to every message.
func Prefixed(prefix string) func(format string, v ...any) {
	return func(format string, v ...any) {
		std.Debugf("%s"+format, append([]any{prefix}, v...)...)
	}
}

// Sprintf is re-exported so callers building panic/error messages in the
// teacher's fmt.Sprintf(...) idiom don't need a separate import.
var Sprintf = fmt.Sprintf
