package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents log severity levels
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
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
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	File      string                 `json:"file,omitempty"`
	Line      int                    `json:"line,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Logger is a structured logger
type Logger struct {
	mu          sync.Mutex
	output      io.Writer
	level       Level
	component   string
	fields      map[string]interface{}
	includeFile bool
	jsonFormat  bool
}

// Config holds logger configuration
type Config struct {
	Level       string `json:"level"`
	Output      string `json:"output"`       // "stdout", "stderr", or file path
	Component   string `json:"component"`
	IncludeFile bool   `json:"include_file"` // Include file and line number
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// New creates a new logger with the given configuration
func New(cfg *Config) *Logger {
	var output io.Writer = os.Stdout

	if cfg.Output == "stderr" {
		output = os.Stderr
	} else if cfg.Output != "" && cfg.Output != "stdout" {
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			output = file
		}
	}

	return &Logger{
		output:      output,
		level:       ParseLevel(cfg.Level),
		component:   cfg.Component,
		includeFile: cfg.IncludeFile,
		jsonFormat:  cfg.JSONFormat,
		fields:      make(map[string]interface{}),
	}
}

// SetDefault sets the process-wide default logger
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default returns the process-wide default logger
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultLogger == nil {
		defaultMu.RUnlock()
		defaultMu.Lock()
		if defaultLogger == nil {
			defaultLogger = New(&Config{Level: "INFO"})
		}
		defaultMu.Unlock()
		defaultMu.RLock()
	}
	return defaultLogger
}

// WithComponent returns a copy of the logger scoped to a component
func (l *Logger) WithComponent(component string) *Logger {
	clone := l.clone()
	clone.component = component
	return clone
}

// WithField returns a copy of the logger with an extra field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	clone := l.clone()
	clone.fields[key] = value
	return clone
}

// WithFields returns a copy of the logger with extra fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	clone := l.clone()
	for k, v := range fields {
		clone.fields[k] = v
	}
	return clone
}

func (l *Logger) clone() *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	fields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}

	return &Logger{
		output:      l.output,
		level:       l.level,
		component:   l.component,
		includeFile: l.includeFile,
		jsonFormat:  l.jsonFormat,
		fields:      fields,
	}
}

func (l *Logger) log(level Level, msg string, err error) {
	if level < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
	}

	if len(l.fields) > 0 {
		entry.Fields = l.fields
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if l.includeFile {
		if _, file, line, ok := runtime.Caller(3); ok {
			parts := strings.Split(file, "/")
			if len(parts) > 2 {
				file = strings.Join(parts[len(parts)-2:], "/")
			}
			entry.File = file
			entry.Line = line
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonFormat {
		data, marshalErr := json.Marshal(entry)
		if marshalErr == nil {
			fmt.Fprintln(l.output, string(data))
			return
		}
	}

	// Text format
	var sb strings.Builder
	sb.WriteString(entry.Timestamp)
	sb.WriteString(" [")
	sb.WriteString(entry.Level)
	sb.WriteString("]")
	if entry.Component != "" {
		sb.WriteString(" [")
		sb.WriteString(entry.Component)
		sb.WriteString("]")
	}
	sb.WriteString(" ")
	sb.WriteString(entry.Message)
	for k, v := range entry.Fields {
		sb.WriteString(fmt.Sprintf(" %s=%v", k, v))
	}
	if entry.Error != "" {
		sb.WriteString(" error=")
		sb.WriteString(entry.Error)
	}
	fmt.Fprintln(l.output, sb.String())
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) { l.log(DEBUG, msg, nil) }

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...), nil)
}

// Info logs an info message
func (l *Logger) Info(msg string) { l.log(INFO, msg, nil) }

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) { l.log(WARN, msg, nil) }

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}

// Error logs an error message
func (l *Logger) Error(msg string, err error) { l.log(ERROR, msg, err) }

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, err error) {
	l.log(FATAL, msg, err)
	os.Exit(1)
}
