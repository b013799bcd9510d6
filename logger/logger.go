// Package logger is the repo-wide leveled logger. The writer is pluggable
// because host integrations ship log lines through their own sinks
// (os_log on Apple platforms, journald elsewhere) instead of stderr.
package logger

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// LogLevel orders log severities.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	}
	return "UNKNOWN"
}

// ParseLevel maps a config string to a level; unknown strings mean INFO.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug", "DEBUG":
		return DEBUG
	case "warn", "WARN":
		return WARN
	case "error", "ERROR":
		return ERROR
	case "fatal", "FATAL":
		return FATAL
	}
	return INFO
}

// Logger writes leveled, printf-formatted messages to a LogWriter.
type Logger struct {
	writer LogWriter
	level  LogLevel
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// NewLogger creates a logger backed by the standard writer.
func NewLogger() *Logger {
	return &Logger{
		writer: NewStandardWriter(),
		level:  INFO,
	}
}

// NewLoggerWithWriter creates a logger with a custom LogWriter.
func NewLoggerWithWriter(writer LogWriter) *Logger {
	return &Logger{
		writer: writer,
		level:  INFO,
	}
}

// Init installs the process-wide default logger. Passing nil installs the
// standard writer.
func Init(logger *Logger) *Logger {
	once.Do(func() {
		if logger != nil {
			defaultLogger = logger
			return
		}
		defaultLogger = NewLogger()
	})
	return defaultLogger
}

// GetLogger returns the default logger, initializing it on first use.
func GetLogger() *Logger {
	if defaultLogger == nil {
		Init(nil)
	}
	return defaultLogger
}

// SetLevel sets the minimum logging level.
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	message := fmt.Sprintf(format, args...)
	l.writer.Write(level, time.Now(), message)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Fatal logs the message and exits the process.
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log(FATAL, format, args...)
	os.Exit(1)
}

// Global helpers on the default logger.

func Debug(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

func Info(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

func Warn(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

func Error(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

func Fatal(format string, args ...interface{}) {
	GetLogger().Fatal(format, args...)
}
