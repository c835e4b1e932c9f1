// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package log implements leveled, context-aware logging. Log tags attached to
// the context with logtags are rendered in front of every message, and
// arguments are formatted through redact so that types can declare which of
// their fields are safe to report.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Severity is the severity of a log entry.
type Severity int32

const (
	// INFO is used for informational messages.
	INFO Severity = iota + 1
	// WARNING is used for unexpected but recoverable conditions.
	WARNING
	// ERROR is used for internal faults.
	ERROR
	// FATAL terminates the process after the entry is written.
	FATAL
)

var severityChars = [...]byte{INFO: 'I', WARNING: 'W', ERROR: 'E', FATAL: 'F'}

func (s Severity) String() string {
	switch s {
	case INFO:
		return "INFO"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	}
	return fmt.Sprintf("Severity(%d)", int32(s))
}

type loggerT struct {
	verbosity  atomic.Int32
	redactable atomic.Bool

	mu struct {
		sync.Mutex
		w io.Writer
	}
}

var logging = func() *loggerT {
	l := &loggerT{}
	l.mu.w = os.Stderr
	return l
}()

// SetOutput redirects all log output to w and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	logging.mu.Lock()
	defer logging.mu.Unlock()
	prev := logging.mu.w
	logging.mu.w = w
	return prev
}

// SetVerbosity sets the level up to which V returns true and returns the
// previous level.
func SetVerbosity(level int32) int32 {
	return logging.verbosity.Swap(level)
}

// SetRedactable controls whether redaction markers are kept in the output.
func SetRedactable(b bool) {
	logging.redactable.Store(b)
}

// V returns whether verbose logging at the given level is enabled.
func V(level int32) bool {
	return logging.verbosity.Load() >= level
}

// Infof logs to the INFO severity.
func Infof(ctx context.Context, format string, args ...interface{}) {
	logging.output(ctx, INFO, 1, format, args)
}

// Warningf logs to the WARNING severity.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	logging.output(ctx, WARNING, 1, format, args)
}

// Errorf logs to the ERROR severity.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	logging.output(ctx, ERROR, 1, format, args)
}

// Fatalf logs to the FATAL severity and exits the process, unless an exit
// function was installed with SetExitFunc.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	logging.output(ctx, FATAL, 1, format, args)
	exit(2)
}

// VEventf logs to the INFO severity if verbose logging at the given level is
// enabled.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	if V(level) {
		logging.output(ctx, INFO, 1, format, args)
	}
}

func (l *loggerT) output(
	ctx context.Context, sev Severity, depth int, format string, args []interface{},
) {
	msg := renderArgs(l.redactable.Load(), format, args...)
	tags := formatTags(ctx)

	file, line := "???", 0
	if _, f, ln, ok := runtime.Caller(depth + 1); ok {
		file, line = filepath.Base(f), ln
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.mu.w, "%c%s %s%s:%d  %s\n",
		severityChars[sev], now.Format("060102 15:04:05.000000"), tags, file, line, msg)
}
