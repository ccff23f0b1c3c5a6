// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// Messages are emitted through logrus with the calling source location
// attached as the "src" field.
type Logger struct {
	NErrors   int
	NWarnings int
	mu        sync.Mutex
	verbose   bool
	debug     bool
	l         *logrus.Logger
}

func NewLogger(verbose, debug bool) *Logger {
	return NewLoggerTo(os.Stderr, verbose, debug)
}

// NewLoggerTo returns a Logger that writes to the given io.Writer rather
// than stderr; it's mostly useful for tests that want to inspect what was
// logged.
func NewLoggerTo(w io.Writer, verbose, debug bool) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: false,
		FullTimestamp:    true,
	})
	l.SetLevel(logrus.InfoLevel)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return &Logger{verbose: verbose || debug, debug: debug, l: l}
}

// fallback is used when methods are called on a nil *Logger, which is the
// state of the package-level loggers before SetLogger has been called.
var fallback = NewLogger(false, false)

// Logrus returns the underlying logrus logger so that callers can hand it
// to libraries that accept one.
func (l *Logger) Logrus() *logrus.Logger {
	if l == nil {
		return fallback.l
	}
	return l.l
}

func (l *Logger) Print(f string, args ...interface{}) {
	if l == nil {
		l = fallback
	}
	l.l.WithField("src", caller()).Info(format(f, args...))
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil || !l.debug {
		return
	}
	l.l.WithField("src", caller()).Debug(format(f, args...))
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil || !l.verbose {
		return
	}
	l.l.WithField("src", caller()).Info(format(f, args...))
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		l = fallback
	}

	l.mu.Lock()
	l.NWarnings++
	l.mu.Unlock()
	l.l.WithField("src", caller()).Warn(format(f, args...))
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		l = fallback
	}

	l.mu.Lock()
	l.NErrors++
	l.mu.Unlock()
	l.l.WithField("src", caller()).Error(format(f, args...))
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	if l == nil {
		l = fallback
	}

	l.mu.Lock()
	l.NErrors++
	l.mu.Unlock()
	l.l.WithField("src", caller()).Error(format(f, args...))
	os.Exit(1)
}

// Checks the provided condition and prints a fatal error if it's false.
// The error message includes the source file and line number where the
// check failed.  An optional message specified with printf-style
// formatting may be provided to print with the error message.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}
	if l == nil {
		l = fallback
	}

	if len(msg) == 0 {
		l.Fatal("Check failed")
	} else {
		f := msg[0].(string)
		l.Fatal(f, msg[1:]...)
	}
}

// Similar to Check, CheckError prints a fatal error if the given error is
// non-nil.  It also takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}
	if l == nil {
		l = fallback
	}

	if len(msg) == 0 {
		l.Fatal("Error: %+v", err)
	} else {
		f := msg[0].(string)
		l.Fatal(f, msg[1:]...)
	}
}

func format(f string, args ...interface{}) string {
	return strings.TrimSuffix(fmt.Sprintf(f, args...), "\n")
}

func caller() string {
	// Two levels up the call stack from the Logger method.
	_, fn, line, ok := runtime.Caller(2)
	if !ok {
		return "?"
	}
	// Last two components of the path
	return path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
}
