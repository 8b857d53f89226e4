// Package logging provides the printf-style logging contract used
// throughout the control plane. It mirrors the teacher codebase's
// Logger interface so every component takes a Logger rather than
// reaching for a global.
package logging

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"time"
)

// Logger is a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger { return nopLogger{} }

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// componentLogger writes leveled, timestamped lines to a std *log.Logger,
// tagged with a component name. It is the default concrete Logger for
// this repository: small enough to not need a third-party logging
// library, since the domain logic only ever depends on the Logger
// interface above.
type componentLogger struct {
	component string
	out       *log.Logger
	minLevel  level
}

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

// NewComponentLogger returns the default application logger scoped to
// a component, writing to stderr at info level or above.
func NewComponentLogger(component string) Logger {
	return &componentLogger{
		component: component,
		out:       log.New(os.Stderr, "", 0),
		minLevel:  levelInfo,
	}
}

// NewDebugComponentLogger is like NewComponentLogger but also emits Debug lines.
func NewDebugComponentLogger(component string) Logger {
	return &componentLogger{
		component: component,
		out:       log.New(os.Stderr, "", 0),
		minLevel:  levelDebug,
	}
}

func (l *componentLogger) emit(lvl level, tag, format string, args ...any) {
	if lvl < l.minLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s [%s] %s: %s", time.Now().UTC().Format(time.RFC3339), tag, l.component, msg)
}

func (l *componentLogger) Debug(format string, args ...any) { l.emit(levelDebug, "DEBUG", format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.emit(levelInfo, "INFO", format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.emit(levelWarn, "WARN", format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.emit(levelError, "ERROR", format, args...) }

// multiLogger fans a call out to every non-nil logger in order.
type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	switch len(flattened) {
	case 0:
		return Nop()
	case 1:
		return flattened[0]
	default:
		return &multiLogger{loggers: flattened}
	}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
