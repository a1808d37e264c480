// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides source-scoped, printf-style loggers on top of klog.
// Debug messages are enabled per logger source, either from the environment
// (LOGGER_DEBUG) or from runtime configuration.
package log

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"k8s.io/klog/v2"
)

// Level is a logging severity level.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	// Debugf is an alias for Debug.
	Debugf(format string, args ...interface{})
	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})

	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool
	// Source returns the source name of this Logger.
	Source() string
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

// logging is our global logging state.
type logging struct {
	sync.RWMutex
	level   Level
	dbgmap  srcmap
	prefix  atomic.Bool
	loggers map[string]logger
}

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		loggers: make(map[string]logger),
	}
	deflog = log.get("default")
)

// Get returns the named Logger.
func Get(source string) Logger {
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the logging severity level.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug turns debugging on or off for the given source.
func EnableDebug(source string, enabled bool) {
	log.Lock()
	defer log.Unlock()
	log.dbgmap[source] = enabled
}

func (l *logging) get(source string) logger {
	l.RLock()
	lg, ok := l.loggers[source]
	l.RUnlock()
	if ok {
		return lg
	}

	l.Lock()
	defer l.Unlock()
	if lg, ok = l.loggers[source]; !ok {
		lg = logger{source: source}
		l.loggers[source] = lg
	}
	return lg
}

// setDbgMap replaces the debug source map. Must be called with l locked.
func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
}

// setPrefix sets whether messages are prefixed with their source.
func (l *logging) setPrefix(prefix bool) {
	l.prefix.Store(prefix)
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()

	if l.level <= LevelDebug {
		return true
	}
	if enabled, ok := l.dbgmap[source]; ok {
		return enabled
	}
	return l.dbgmap["*"]
}

func (l *logging) format(source, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if l.prefix.Load() {
		return "[" + source + "] " + msg
	}
	return msg
}

func (lg logger) Debug(format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, log.format(lg.source, "D: "+format, args...))
}

func (lg logger) Info(format string, args ...interface{}) {
	klog.InfoDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Warn(format string, args ...interface{}) {
	klog.WarningDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Fatal(format string, args ...interface{}) {
	klog.FatalDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Panic(format string, args ...interface{}) {
	msg := log.format(lg.source, format, args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

func (lg logger) Debugf(format string, args ...interface{}) {
	lg.Debug(format, args...)
}

func (lg logger) Infof(format string, args ...interface{}) {
	lg.Info(format, args...)
}

func (lg logger) Warnf(format string, args ...interface{}) {
	lg.Warn(format, args...)
}

func (lg logger) Errorf(format string, args ...interface{}) {
	lg.Error(format, args...)
}

func (lg logger) DebugEnabled() bool {
	return log.debugEnabled(lg.source)
}

func (lg logger) Source() string {
	return lg.source
}

// loggerError returns a formatted package-specific error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
