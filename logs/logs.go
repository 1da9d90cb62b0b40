// Package logs implements the small leveled-logging backend consumed by
// logger.go and util/panics across every subsystem in this module.
package logs

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is a logging severity level.
type Level uint32

// Supported severity levels, lowest to highest.
const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
	LevelOff
)

var levelStrings = map[Level]string{
	LevelTrace:    "TRC",
	LevelDebug:    "DBG",
	LevelInfo:     "INF",
	LevelWarn:     "WRN",
	LevelError:    "ERR",
	LevelCritical: "CRT",
	LevelOff:      "OFF",
}

func (l Level) String() string {
	if s, ok := levelStrings[l]; ok {
		return s
	}
	return "UNK"
}

// LevelFromString parses a level name, defaulting to LevelInfo when the
// string isn't recognized.
func LevelFromString(s string) (Level, bool) {
	switch s {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn":
		return LevelWarn, true
	case "error":
		return LevelError, true
	case "critical":
		return LevelCritical, true
	}
	return LevelInfo, false
}

// BackendWriter pairs an io.Writer with the minimum level it should
// receive, so e.g. an error-only file can live alongside an all-levels one
// (LogRotator and ErrLogRotator in logger.go).
type BackendWriter struct {
	w        io.Writer
	minLevel Level
}

// NewAllLevelsBackendWriter returns a BackendWriter that receives every
// level.
func NewAllLevelsBackendWriter(w io.Writer) *BackendWriter {
	return &BackendWriter{w: w, minLevel: LevelTrace}
}

// NewErrorBackendWriter returns a BackendWriter that only receives Error
// and Critical records.
func NewErrorBackendWriter(w io.Writer) *BackendWriter {
	return &BackendWriter{w: w, minLevel: LevelError}
}

// Backend fans a tagged, leveled record out to its writers.
type Backend struct {
	mtx     sync.Mutex
	writers []*BackendWriter
}

// NewBackend constructs a Backend over the given writers.
func NewBackend(writers []*BackendWriter) *Backend {
	return &Backend{writers: writers}
}

// Logger returns a Logger that tags every record with the given
// subsystem and writes through this backend.
func (b *Backend) Logger(subsystem string) *Logger {
	return &Logger{subsystem: subsystem, level: LevelInfo, backend: b}
}

func (b *Backend) write(level Level, subsystem, msg string) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	line := fmt.Sprintf("%s [%s] %s %s\n", time.Now().Format("2006-01-02 15:04:05.000"), level, subsystem, msg)
	for _, bw := range b.writers {
		if level < bw.minLevel {
			continue
		}
		_, _ = io.WriteString(bw.w, line)
	}
}

// Close closes every writer that supports io.Closer.
func (b *Backend) Close() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, bw := range b.writers {
		if c, ok := bw.w.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// Logger is a single subsystem's handle onto a Backend.
type Logger struct {
	subsystem string
	level     Level
	backend   *Backend
}

// SetLevel changes the minimum level this Logger will emit.
func (l *Logger) SetLevel(level Level) { l.level = level }

// Level returns this Logger's minimum level.
func (l *Logger) Level() Level { return l.level }

// Backend returns the Backend this Logger writes through.
func (l *Logger) Backend() *Backend { return l.backend }

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	l.backend.write(level, l.subsystem, fmt.Sprintf(format, args...))
}

// Tracef logs at LevelTrace.
func (l *Logger) Tracef(format string, args ...interface{}) { l.log(LevelTrace, format, args...) }

// Debugf logs at LevelDebug.
func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }

// Infof logs at LevelInfo.
func (l *Logger) Infof(format string, args ...interface{}) { l.log(LevelInfo, format, args...) }

// Warnf logs at LevelWarn.
func (l *Logger) Warnf(format string, args ...interface{}) { l.log(LevelWarn, format, args...) }

// Errorf logs at LevelError.
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// Criticalf logs at LevelCritical.
func (l *Logger) Criticalf(format string, args ...interface{}) {
	l.log(LevelCritical, format, args...)
}

// StdoutOnlyBackend is a convenience Backend for tests and tools that
// don't want file rotation.
func StdoutOnlyBackend() *Backend {
	return NewBackend([]*BackendWriter{NewAllLevelsBackendWriter(os.Stdout)})
}
