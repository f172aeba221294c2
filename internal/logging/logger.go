// Package logging provides simple structured logging for the log.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Logger wraps stdlib log with level support and chained key-value context.
type Logger struct {
	logger *log.Logger
	level  LogLevel
	fields []any
	mu     *sync.Mutex
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		logger: log.New(output, "", log.LstdFlags),
		level:  config.Level,
		mu:     &sync.Mutex{},
	}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// withField returns a derived logger that prepends the given key-value pair
// to every subsequent log call, sharing the parent's output and mutex.
func (l *Logger) withField(key string, value any) *Logger {
	fields := make([]any, len(l.fields), len(l.fields)+2)
	copy(fields, l.fields)
	fields = append(fields, key, value)
	return &Logger{
		logger: l.logger,
		level:  l.level,
		fields: fields,
		mu:     l.mu,
	}
}

// WithOp returns a logger that tags every message with the operation name
// (e.g. "append", "flush", "scan").
func (l *Logger) WithOp(op string) *Logger {
	return l.withField("op", op)
}

// WithAddr returns a logger that tags every message with a logical address.
func (l *Logger) WithAddr(addr int64) *Logger {
	return l.withField("addr", addr)
}

// WithError returns a logger that tags every message with an error value.
func (l *Logger) WithError(err error) *Logger {
	return l.withField("error", err)
}

// formatArgs converts key-value pairs to a string.
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) log(level LogLevel, prefix, msg string, args ...any) {
	if level < l.level {
		return
	}
	all := args
	if len(l.fields) > 0 {
		all = make([]any, 0, len(l.fields)+len(args))
		all = append(all, l.fields...)
		all = append(all, args...)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf("%s %s%s", prefix, msg, formatArgs(all))
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, "[INFO]", msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, "[WARN]", msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, "[ERROR]", msg, args...)
}

