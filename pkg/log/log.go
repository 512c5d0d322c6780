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

package log

import (
	"fmt"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
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

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables or disables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

// logging is the shared state of all our loggers.
type logging struct {
	sync.RWMutex
	level   Level
	loggers map[string]logger
	dbgmap  srcmap
	debug   map[string]bool
	prefix  bool
	maxlen  int
}

var (
	log = &logging{
		level:   DefaultLevel,
		loggers: make(map[string]logger),
		dbgmap:  make(srcmap),
		debug:   make(map[string]bool),
	}
	deflog = log.get("default")
)

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return Get(source)
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

// Flush flushes any buffered messages of the klog backend.
func Flush() {
	klog.Flush()
}

// EnableDebug enables or disables debug messages for the given source.
func EnableDebug(source string, enabled bool) bool {
	return Get(source).EnableDebug(enabled)
}

func (l *logging) get(source string) logger {
	if lg, ok := l.loggers[source]; ok {
		return lg
	}

	lg := logger{source: source}
	l.loggers[source] = lg
	if len(source) > l.maxlen {
		l.maxlen = len(source)
	}
	l.debug[source] = l.dbgmap.enabled(source)

	return lg
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
	for source := range l.loggers {
		l.debug[source] = m.enabled(source)
	}
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()
	return l.level <= LevelDebug || l.debug[source]
}

func (l *logging) enabled(level Level) bool {
	l.RLock()
	defer l.RUnlock()
	return l.level <= level
}

func (l *logging) format(source, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)

	l.RLock()
	defer l.RUnlock()

	if !l.prefix {
		return msg
	}

	pad := l.maxlen - len(source)
	if pad < 0 {
		pad = 0
	}
	return "[" + source + "] " + strings.Repeat(" ", pad) + msg
}

func (lg logger) Debug(format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, log.format(lg.source, "D: "+format, args...))
}

func (lg logger) Info(format string, args ...interface{}) {
	if !log.enabled(LevelInfo) {
		return
	}
	klog.InfoDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Warn(format string, args ...interface{}) {
	if !log.enabled(LevelWarn) {
		return
	}
	klog.WarningDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Panic(format string, args ...interface{}) {
	msg := log.format(lg.source, format, args...)
	klog.ErrorDepth(1, msg)
	klog.Flush()
	panic(msg)
}

func (lg logger) Debugf(format string, args ...interface{}) { lg.Debug(format, args...) }
func (lg logger) Infof(format string, args ...interface{})  { lg.Info(format, args...) }
func (lg logger) Warnf(format string, args ...interface{})  { lg.Warn(format, args...) }
func (lg logger) Errorf(format string, args ...interface{}) { lg.Error(format, args...) }

func (lg logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		klog.InfoDepth(1, log.format(lg.source, "D: %s%s", prefix, line))
	}
}

func (lg logger) InfoBlock(prefix string, format string, args ...interface{}) {
	if !log.enabled(LevelInfo) {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		klog.InfoDepth(1, log.format(lg.source, "%s%s", prefix, line))
	}
}

func (lg logger) EnableDebug(enabled bool) bool {
	log.Lock()
	defer log.Unlock()
	old := log.debug[lg.source]
	log.debug[lg.source] = enabled
	return old
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
