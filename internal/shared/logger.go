package shared

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// Logger provides leveled, structured logging backed by logrus
type Logger struct {
	entry *logrus.Entry
}

var (
	// DefaultLogger is the default logger instance
	DefaultLogger *Logger
)

func init() {
	DefaultLogger = NewLogger(INFO)
}

// NewLogger creates a new logger instance writing to stdout
func NewLogger(level LogLevel) *Logger {
	return NewLoggerWithOutput(level, os.Stdout)
}

// NewLoggerWithOutput creates a logger writing to out
func NewLoggerWithOutput(level LogLevel, out io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
	l := &Logger{entry: logrus.NewEntry(base)}
	l.SetLevel(level)
	return l
}

// ParseLevel maps a configuration string to a LogLevel
func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG, nil
	case "info", "":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unsupported log level %s", level)
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	switch level {
	case DEBUG:
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	case INFO:
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	case WARN:
		l.entry.Logger.SetLevel(logrus.WarnLevel)
	default:
		l.entry.Logger.SetLevel(logrus.ErrorLevel)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

// Printf lets the logger stand in wherever a Printf-style logger is expected
func (l *Logger) Printf(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithComponent tags every line with the emitting component
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithFields(map[string]interface{}{"component": name})
}
