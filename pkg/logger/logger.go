package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log levels
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

func (l Level) String() string {
	return levelNames[l]
}

// ParseLevel converts a name like "debug" or "WARN" to a Level, defaulting to INFO
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Logger is a leveled logger that tags every line with a component prefix
type Logger struct {
	prefix string
	mu     sync.RWMutex
	level  Level
	logger *log.Logger
}

// New creates a new logger with a prefix
func New(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		level:  defaultLevel(),
		logger: log.New(output(), "", 0),
	}
}

// With returns a logger for a sub-component sharing this logger's level and output
func (l *Logger) With(prefix string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		prefix: l.prefix + "/" + prefix,
		level:  l.level,
		logger: l.logger,
	}
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput redirects this logger
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = log.New(w, "", 0)
}

// log outputs a log message at the specified level
func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.RLock()
	min, out := l.level, l.logger
	l.mu.RUnlock()
	if level < min {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	out.Printf("%s [%s] [%s] %s", timestamp, levelNames[level], l.prefix, message)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Discard returns a logger that drops everything, handy in tests
func Discard(prefix string) *Logger {
	l := New(prefix)
	l.SetOutput(io.Discard)
	return l
}

// OrDiscard returns l, or a discarding logger when l is nil
func OrDiscard(l *Logger, prefix string) *Logger {
	if l == nil {
		return Discard(prefix)
	}
	return l
}

var (
	globalMu     sync.RWMutex
	globalLevel  = INFO
	globalOutput io.Writer = os.Stdout
)

func defaultLevel() Level {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLevel
}

func output() io.Writer {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalOutput
}

// SetDefaultLevel sets the level for loggers created afterwards
func SetDefaultLevel(level Level) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLevel = level
}

// SetDefaultOutput sets the output for loggers created afterwards
func SetDefaultOutput(w io.Writer) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalOutput = w
}
