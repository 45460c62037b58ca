// Package utils provides utility functions for the Cloud-Code proxy.
package utils

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// proxyFormatter renders log lines the way the proxy has always shown
// them: a dim timestamp, a colored level tag, then the message.
type proxyFormatter struct {
	noColor bool
}

var levelColors = map[logrus.Level]string{
	logrus.InfoLevel:  "\033[34m",
	logrus.WarnLevel:  "\033[33m",
	logrus.ErrorLevel: "\033[31m",
	logrus.DebugLevel: "\033[35m",
}

const (
	colorGreen = "\033[32m"
	colorGray  = "\033[90m"
	colorReset = "\033[0m"
)

func (f *proxyFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := entry.Level.String()
	color := levelColors[entry.Level]
	if success, ok := entry.Data["success"]; ok && success == true {
		level = "SUCCESS"
		color = colorGreen
	}

	ts := entry.Time.Format("2006-01-02T15:04:05.000Z07:00")
	if f.noColor {
		return []byte(ts + " [" + level + "] " + entry.Message + "\n"), nil
	}

	line := colorGray + "[" + ts + "]" + colorReset + " " +
		color + "[" + levelTag(level) + "]" + colorReset + " " + entry.Message + "\n"
	return []byte(line), nil
}

func levelTag(level string) string {
	switch level {
	case "warning":
		return "WARN"
	default:
		return level
	}
}

// Logger wraps a logrus.Logger, keeping the proxy's Info/Success/Warn/
// Error/Debug vocabulary as methods.
type Logger struct {
	mu   sync.RWMutex
	base *logrus.Logger
}

// NewLogger creates a new Logger instance that writes colored lines to
// stdout and, when LOG_FILE is set, newline-delimited JSON to a rotated
// log file via lumberjack.
func NewLogger() *Logger {
	base := logrus.New()
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&proxyFormatter{})

	writers := []io.Writer{os.Stdout}
	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		_ = os.MkdirAll(filepath.Dir(logFile), 0o755)
		writers = append(writers, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	base.SetOutput(io.MultiWriter(writers...))

	return &Logger{base: base}
}

// SetDebug enables or disables debug-level logging.
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if enabled {
		l.base.SetLevel(logrus.DebugLevel)
	} else {
		l.base.SetLevel(logrus.InfoLevel)
	}
}

// IsDebugEnabled reports whether debug-level logging is enabled.
func (l *Logger) IsDebugEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base.GetLevel() >= logrus.DebugLevel
}

// Info logs a standard info message.
func (l *Logger) Info(message string, args ...interface{}) {
	l.base.Infof(message, args...)
}

// Success logs a success message (rendered as a green SUCCESS line).
func (l *Logger) Success(message string, args ...interface{}) {
	l.base.WithField("success", true).Infof(message, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, args ...interface{}) {
	l.base.Warnf(message, args...)
}

// Error logs an error message.
func (l *Logger) Error(message string, args ...interface{}) {
	l.base.Errorf(message, args...)
}

// Debug logs a debug message (only emitted when debug mode is enabled).
func (l *Logger) Debug(message string, args ...interface{}) {
	l.base.Debugf(message, args...)
}

// Global logger instance
var (
	globalLogger     *Logger
	globalLoggerOnce sync.Once
)

// GetLogger returns the global logger instance.
func GetLogger() *Logger {
	globalLoggerOnce.Do(func() {
		globalLogger = NewLogger()
	})
	return globalLogger
}

// Info logs a standard info message using the global logger.
func Info(message string, args ...interface{}) {
	GetLogger().Info(message, args...)
}

// Success logs a success message using the global logger.
func Success(message string, args ...interface{}) {
	GetLogger().Success(message, args...)
}

// Warn logs a warning message using the global logger.
func Warn(message string, args ...interface{}) {
	GetLogger().Warn(message, args...)
}

// Error logs an error message using the global logger.
func Error(message string, args ...interface{}) {
	GetLogger().Error(message, args...)
}

// Debug logs a debug message using the global logger.
func Debug(message string, args ...interface{}) {
	GetLogger().Debug(message, args...)
}

// SetDebug enables or disables debug mode on the global logger.
func SetDebug(enabled bool) {
	GetLogger().SetDebug(enabled)
}

// IsDebug returns whether debug mode is enabled on the global logger.
func IsDebug() bool {
	return GetLogger().IsDebugEnabled()
}
