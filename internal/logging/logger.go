package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// Configure sets the level ("debug", "info", "warn", "error") and format
// ("text" or "json"). Unknown levels leave the current level untouched.
func Configure(level, format string) {
	if lvl, err := logrus.ParseLevel(level); err == nil && level != "" {
		log.SetLevel(lvl)
	}
	if os.Getenv("DEBUG") == "true" {
		log.SetLevel(logrus.DebugLevel)
	}
	if strings.EqualFold(format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// Logger exposes the underlying logger for callers that need fields.
func Logger() *logrus.Logger {
	return log
}

// Info logs an informational message (always shown)
func Info(subsystem, format string, args ...any) {
	log.WithField("subsystem", subsystem).Infof(format, args...)
}

// Debug logs a debug message (only shown at debug level)
func Debug(subsystem, format string, args ...any) {
	log.WithField("subsystem", subsystem).Debugf(format, args...)
}

// Warn logs a recoverable problem
func Warn(subsystem, format string, args ...any) {
	log.WithField("subsystem", subsystem).Warnf(format, args...)
}

// Error logs a failure that aborted an operation
func Error(subsystem, format string, args ...any) {
	log.WithField("subsystem", subsystem).Errorf(format, args...)
}

// Truncate truncates a string to maxLen and adds ellipsis
func Truncate(s string, maxLen int) string {
	// Replace newlines with spaces for one-line logs
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
