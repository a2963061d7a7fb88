// Package mlog provides the leveled logger used by every component that
// needs to report activity without forcing a logging library choice on
// callers: a prefix per component and a "%s [level]: %s" line format,
// defaulting to stdout, behind a Logger interface so it can be swapped
// out.
package mlog

import (
	"fmt"
	"io"
	"os"
)

// Logger is the leveled logging interface every modbusdb component accepts.
type Logger interface {
	Debug(msg string)
	Debugf(format string, args ...interface{})
	Info(msg string)
	Infof(format string, args ...interface{})
	Warning(msg string)
	Warningf(format string, args ...interface{})
	Error(msg string)
	Errorf(format string, args ...interface{})
}

var _ Logger = (*prefixLogger)(nil)

type prefixLogger struct {
	prefix string
	writer io.Writer
}

// New returns a logger with the given prefix. If w is nil, messages are
// written to stdout.
func New(prefix string, w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &prefixLogger{prefix: prefix, writer: w}
}

func (l *prefixLogger) Debug(msg string) { l.write("debug", msg) }
func (l *prefixLogger) Debugf(format string, args ...interface{}) {
	l.write("debug", fmt.Sprintf(format, args...))
}

func (l *prefixLogger) Info(msg string) { l.write("info", msg) }
func (l *prefixLogger) Infof(format string, args ...interface{}) {
	l.write("info", fmt.Sprintf(format, args...))
}

func (l *prefixLogger) Warning(msg string) { l.write("warn", msg) }
func (l *prefixLogger) Warningf(format string, args ...interface{}) {
	l.write("warn", fmt.Sprintf(format, args...))
}

func (l *prefixLogger) Error(msg string) { l.write("error", msg) }
func (l *prefixLogger) Errorf(format string, args ...interface{}) {
	l.write("error", fmt.Sprintf(format, args...))
}

func (l *prefixLogger) write(level string, msg string) {
	fmt.Fprintf(l.writer, "%s [%s]: %s\n", l.prefix, level, msg)
}

// Nop is a logger that discards everything, used as the default when no
// logger is configured and stdout noise isn't wanted (e.g. in tests).
var Nop Logger = (*nopLogger)(nil)

type nopLogger struct{}

func (*nopLogger) Debug(string)                       {}
func (*nopLogger) Debugf(string, ...interface{})      {}
func (*nopLogger) Info(string)                        {}
func (*nopLogger) Infof(string, ...interface{})       {}
func (*nopLogger) Warning(string)                     {}
func (*nopLogger) Warningf(string, ...interface{})    {}
func (*nopLogger) Error(string)                       {}
func (*nopLogger) Errorf(string, ...interface{})      {}
