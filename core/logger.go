package core

import (
	"fmt"
	"log"
	"strings"
)

// Logger interface for structured logging.
// ZapLogger adapts go.uber.org/zap; DefaultLogger writes through the standard log package.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value any
}

// F creates a new Field with the given key and value
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// LogLevel orders DefaultLogger severities.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// DefaultLogger writes "[LEVEL] component: msg {k: v}" lines through the standard log package.
type DefaultLogger struct {
	component string
	min       LogLevel
}

// NewDefaultLogger creates a DefaultLogger that logs Info and above.
func NewDefaultLogger(component string) *DefaultLogger {
	return &DefaultLogger{component: component, min: LevelInfo}
}

// SetLevel changes the minimum level written.
func (l *DefaultLogger) SetLevel(level LogLevel) { l.min = level }

func (l *DefaultLogger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }
func (l *DefaultLogger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields) }
func (l *DefaultLogger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields) }
func (l *DefaultLogger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields) }

func (l *DefaultLogger) log(level LogLevel, msg string, fields []Field) {
	if level < l.min {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", level)
	if l.component != "" {
		b.WriteString(l.component)
		b.WriteString(": ")
	}
	b.WriteString(msg)
	if len(fields) > 0 {
		b.WriteString(" {")
		for i, f := range fields {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %v", f.Key, f.Value)
		}
		b.WriteString("}")
	}
	log.Println(b.String())
}

// NoOpLogger is a logger that discards all log messages
// Useful for tests or when logging is not desired
type NoOpLogger struct{}

// NewNoOpLogger creates a new NoOpLogger
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (l *NoOpLogger) Debug(msg string, fields ...Field) {}
func (l *NoOpLogger) Info(msg string, fields ...Field)  {}
func (l *NoOpLogger) Warn(msg string, fields ...Field)  {}
func (l *NoOpLogger) Error(msg string, fields ...Field) {}

func orNoOp(l Logger) Logger {
	if l == nil {
		return NewNoOpLogger()
	}
	return l
}
