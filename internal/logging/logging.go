// Package logging builds the process logger.
//
// Logs always go to stderr: hooks own stdout. An optional file sink is
// rotated by lumberjack. Components take child loggers with For.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger.
type Options struct {
	// Level is debug, info, warn, or error. Default: info.
	Level string

	// File, if set, receives a copy of every line.
	File       string
	MaxSizeMB  int
	MaxBackups int

	// Stderr overrides the terminal sink. Tests use it.
	Stderr io.Writer
}

// Logger wraps the root logger and its file sink.
type Logger struct {
	*log.Logger
	file *lumberjack.Logger
}

// New builds a logger and installs it as the charmbracelet default, so
// packages that fall back to log.Default() share its level and sinks.
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stderr
	if opts.Stderr != nil {
		out = opts.Stderr
	}

	var file *lumberjack.Logger
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(out, file)
	}

	l := log.NewWithOptions(out, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	log.SetDefault(l)
	return &Logger{Logger: l, file: file}, nil
}

// For returns a child logger for a component.
func (l *Logger) For(component string) *log.Logger {
	return l.WithPrefix(component)
}

// Close flushes and closes the file sink.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ParseLevel accepts the level names used in config files. An empty
// string is info.
func ParseLevel(s string) (log.Level, error) {
	if strings.TrimSpace(s) == "" {
		return log.InfoLevel, nil
	}
	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
