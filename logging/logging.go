// Package logging configures the process-wide logrus logger from
// configuration: level, output format and an optional rotated log file.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ErrInvalidFormat is returned for a format other than FormatText or FormatJSON.
var ErrInvalidFormat = errors.New("invalid log format")

// Config describes where and how log entries are written.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables rotated file output in addition to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig logs text at info level to stderr only.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     FormatText,
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// Validate checks the level and format without touching the logger.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	if _, err := newFormatter(c.Format); err != nil {
		return err
	}
	if c.MaxSizeMB < 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation limits must not be negative")
	}
	return nil
}

// ParseLevel accepts logrus level names case-insensitively; empty means info.
func ParseLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(strings.ToLower(s))
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch strings.ToLower(format) {
	case "", FormatText:
		return &logrus.TextFormatter{FullTimestamp: true}, nil
	case FormatJSON:
		return &logrus.JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup applies cfg to the standard logrus logger. The returned Closer
// releases the log file, if any; call it on shutdown.
func Setup(cfg Config) (io.Closer, error) {
	return SetupLogger(logrus.StandardLogger(), cfg, os.Stderr)
}

// SetupLogger applies cfg to logger, writing console output to console.
func SetupLogger(logger *logrus.Logger, cfg Config, console io.Writer) (io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	formatter, err := newFormatter(cfg.Format)
	if err != nil {
		return nil, err
	}

	logger.SetLevel(level)
	logger.SetFormatter(formatter)

	if cfg.File == "" {
		logger.SetOutput(console)
		return nopCloser{}, nil
	}

	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	logger.SetOutput(io.MultiWriter(console, file))

	logger.WithFields(logrus.Fields{
		"function": "SetupLogger",
		"level":    level.String(),
		"file":     cfg.File,
	}).Debug("Logging to rotated file")

	return file, nil
}
