package logging

import (
	"io"
	"log"
	"os"
)

// Logger is a leveled line logger. A nil *Logger discards everything.
type Logger struct {
	logger  *log.Logger
	verbose bool
}

// New creates a logger writing to w; debug lines are only written when verbose is set
func New(w io.Writer, verbose bool) *Logger {
	return &Logger{
		logger:  log.New(w, "", log.LstdFlags),
		verbose: verbose,
	}
}

// Stderr creates a logger on standard error
func Stderr(verbose bool) *Logger {
	return New(os.Stderr, verbose)
}

// Discard returns a logger that drops all output
func Discard() *Logger {
	return New(io.Discard, false)
}

// Verbose reports whether debug output is enabled
func (l *Logger) Verbose() bool {
	return l != nil && l.verbose
}

// Debugf logs a debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.logger.Printf("DEBUG: "+format, args...)
}

// Infof logs an info message
func (l *Logger) Infof(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.logger.Printf("INFO: "+format, args...)
}

// Warnf logs a warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.logger.Printf("WARN: "+format, args...)
}

// Errorf logs an error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.logger.Printf("ERROR: "+format, args...)
}
