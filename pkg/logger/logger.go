package logger

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

var (
	debugEnabled atomic.Bool
	infoLogger   = log.New(os.Stderr, "", log.LstdFlags)
	errorLogger  = log.New(os.Stderr, "ERROR ", log.LstdFlags)
	debugLogger  = log.New(os.Stderr, "DEBUG ", log.LstdFlags)
)

// SetDebug enables or disables debug logging
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
}

// DebugEnabled reports whether debug lines are emitted.
func DebugEnabled() bool {
	return debugEnabled.Load()
}

// SetOutput redirects all log levels (tests use io.Discard or a buffer).
func SetOutput(w io.Writer) {
	infoLogger.SetOutput(w)
	errorLogger.SetOutput(w)
	debugLogger.SetOutput(w)
}

// Info logs an informational message
func Info(format string, args ...interface{}) {
	infoLogger.Printf(format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	errorLogger.Printf(format, args...)
}

// Debug logs a debug message if debug logging is enabled
func Debug(format string, args ...interface{}) {
	if debugEnabled.Load() {
		debugLogger.Printf(format, args...)
	}
}

// Fatal logs an error message and exits with status 1
func Fatal(format string, args ...interface{}) {
	errorLogger.Printf(format, args...)
	os.Exit(1)
}

// Logger prefixes every line with a component name, e.g. "search: ".
type Logger struct {
	prefix string
}

// Named returns a component logger.
func Named(component string) Logger {
	return Logger{prefix: component + ": "}
}

func (l Logger) Info(format string, args ...interface{}) {
	Info(l.prefix+format, args...)
}

func (l Logger) Error(format string, args ...interface{}) {
	Error(l.prefix+format, args...)
}

func (l Logger) Debug(format string, args ...interface{}) {
	Debug(l.prefix+format, args...)
}
