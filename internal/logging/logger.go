package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelRanks = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// Logger provides structured JSON logging with correlation ID support.
// Token and secret values must never be passed as fields.
type Logger struct {
	mu      sync.Mutex
	output  io.Writer
	level   LogLevel
	service string
}

// LoggerOption is a function that configures a Logger
type LoggerOption func(*Logger)

// WithOutput sets the output writer for the logger
func WithOutput(w io.Writer) LoggerOption {
	return func(l *Logger) {
		l.output = w
	}
}

// WithLevel sets the minimum log level. Unknown levels are ignored.
func WithLevel(level LogLevel) LoggerOption {
	return func(l *Logger) {
		if _, ok := levelRanks[level]; ok {
			l.level = level
		}
	}
}

// WithService sets the service name for logs
func WithService(service string) LoggerOption {
	return func(l *Logger) {
		l.service = service
	}
}

// NewLogger creates a new Logger with the specified options
func NewLogger(opts ...LoggerOption) *Logger {
	logger := &Logger{
		output:  os.Stdout,
		level:   LevelInfo,
		service: "drivesentry",
	}

	for _, opt := range opts {
		opt(logger)
	}

	return logger
}

// logEntry represents a structured log entry
type logEntry struct {
	Timestamp     string                 `json:"timestamp"`
	Level         LogLevel               `json:"level"`
	Service       string                 `json:"service"`
	Message       string                 `json:"message"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) log(level LogLevel, message, correlationID string, fields map[string]interface{}) {
	if levelRanks[level] < levelRanks[l.level] {
		return
	}

	entry := logEntry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Level:         level,
		Service:       l.service,
		Message:       message,
		CorrelationID: correlationID,
		Fields:        fields,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("failed to marshal log entry: %v", err)
		return
	}

	l.mu.Lock()
	fmt.Fprintln(l.output, string(data))
	l.mu.Unlock()

	if level == LevelFatal {
		os.Exit(1)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...interface{}) {
	l.log(LevelDebug, message, "", pairFields(fields))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...interface{}) {
	l.log(LevelInfo, message, "", pairFields(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...interface{}) {
	l.log(LevelWarn, message, "", pairFields(fields))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...interface{}) {
	l.log(LevelError, message, "", pairFields(fields))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...interface{}) {
	l.log(LevelFatal, message, "", pairFields(fields))
}

// DebugWithContext logs a debug message with correlation ID from context
func (l *Logger) DebugWithContext(ctx context.Context, message string, fields ...interface{}) {
	l.log(LevelDebug, message, GetCorrelationID(ctx), pairFields(fields))
}

// InfoWithContext logs an info message with correlation ID from context
func (l *Logger) InfoWithContext(ctx context.Context, message string, fields ...interface{}) {
	l.log(LevelInfo, message, GetCorrelationID(ctx), pairFields(fields))
}

// WarnWithContext logs a warning message with correlation ID from context
func (l *Logger) WarnWithContext(ctx context.Context, message string, fields ...interface{}) {
	l.log(LevelWarn, message, GetCorrelationID(ctx), pairFields(fields))
}

// ErrorWithContext logs an error message with correlation ID from context
func (l *Logger) ErrorWithContext(ctx context.Context, message string, fields ...interface{}) {
	l.log(LevelError, message, GetCorrelationID(ctx), pairFields(fields))
}

// pairFields folds key-value pairs (key1, value1, key2, value2, ...) into a
// map. Non-string keys are skipped together with their value.
func pairFields(fields []interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	fieldMap := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		fieldMap[key] = fields[i+1]
	}
	return fieldMap
}
