package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// maxEntries bounds the in-memory ring served by the admin log endpoint.
const maxEntries = 1000

// Entry is one captured log line as exposed to the admin interface.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger is a leveled logger instance that also keeps the most recent entries in memory.
type Logger struct {
	level   LogLevel
	mu      sync.RWMutex
	entries []Entry
	entryMu sync.Mutex
}

// New creates a new Logger instance with the specified level
func New(level string) *Logger {
	return &Logger{
		level:   ParseLogLevel(level),
		entries: make([]Entry, 0, 64),
	}
}

// getDefaultLogger returns the singleton default logger
func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = New("INFO")
	})
	return defaultLogger
}

// ParseLogLevel converts string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// SetLogLevel sets the global default log level (package-level)
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel returns current log level as string (package-level)
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// SetLevel sets this logger instance's level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

// GetLevel returns this logger instance's level as string
func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level.String()
}

func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

// output formats the message, writes it to the standard logger and appends it to the ring
func (l *Logger) output(level LogLevel, format string, v ...interface{}) {
	if !l.shouldLog(level) {
		return
	}
	message := fmt.Sprintf(format, v...)
	log.Printf("[%s] %s", level, message)

	l.entryMu.Lock()
	defer l.entryMu.Unlock()
	if len(l.entries) >= maxEntries {
		// drop the oldest tenth in one go instead of shifting on every write
		l.entries = append(l.entries[:0], l.entries[maxEntries/10:]...)
	}
	l.entries = append(l.entries, Entry{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Level:     strings.ToLower(level.String()),
		Message:   message,
	})
}

// Entries returns a copy of the captured log entries, oldest first
func (l *Logger) Entries() []Entry {
	l.entryMu.Lock()
	defer l.entryMu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ClearEntries empties the captured log ring
func (l *Logger) ClearEntries() {
	l.entryMu.Lock()
	defer l.entryMu.Unlock()
	l.entries = l.entries[:0]
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, v ...interface{}) {
	l.output(DEBUG, format, v...)
}

// Info logs info level messages
func (l *Logger) Info(format string, v ...interface{}) {
	l.output(INFO, format, v...)
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, v ...interface{}) {
	l.output(WARN, format, v...)
}

// Error logs error level messages
func (l *Logger) Error(format string, v ...interface{}) {
	l.output(ERROR, format, v...)
}

// Package-level functions (for direct use like logger.Info())

// Debug logs debug level messages (package-level)
func Debug(format string, v ...interface{}) {
	getDefaultLogger().Debug(format, v...)
}

// Info logs info level messages (package-level)
func Info(format string, v ...interface{}) {
	getDefaultLogger().Info(format, v...)
}

// Warn logs warning level messages (package-level)
func Warn(format string, v ...interface{}) {
	getDefaultLogger().Warn(format, v...)
}

// Error logs error level messages (package-level)
func Error(format string, v ...interface{}) {
	getDefaultLogger().Error(format, v...)
}

// Entries returns the entries captured by the default logger (package-level)
func Entries() []Entry {
	return getDefaultLogger().Entries()
}

// ClearEntries empties the default logger's ring (package-level)
func ClearEntries() {
	getDefaultLogger().ClearEntries()
}
