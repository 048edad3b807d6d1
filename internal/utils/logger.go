package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a leveled key/value logger. It optionally owns the file it
// writes to.
type Logger struct {
	file   *os.File
	logger *slog.Logger
}

// ParseLevel maps "debug", "info", "warn" and "error" onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger creates a logger writing text records to w.
func NewLogger(w io.Writer, level slog.Level) *Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{logger: slog.New(h)}
}

// NewFileLogger creates a logger appending to filePath.
func NewFileLogger(filePath string, level slog.Level) (*Logger, error) {
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l := NewLogger(file, level)
	l.file = file
	return l, nil
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewLogger(io.Discard, slog.LevelError+1)
}

// With returns a logger that adds keyvals to every record.
func (l *Logger) With(keyvals ...any) *Logger {
	return &Logger{file: l.file, logger: l.logger.With(keyvals...)}
}

func (l *Logger) Debug(msg string, keyvals ...any) { l.logger.Debug(msg, keyvals...) }

// Info logs an info message
func (l *Logger) Info(msg string, keyvals ...any) { l.logger.Info(msg, keyvals...) }

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...any) { l.logger.Warn(msg, keyvals...) }

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...any) { l.logger.Error(msg, keyvals...) }

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
