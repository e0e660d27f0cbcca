package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for the server console log.
const (
	DefaultMaxSizeMB  = 50 // MB
	DefaultMaxBackups = 5  // number of backup files
	DefaultMaxAgeDays = 14 // days
)

// Config describes where the managed server's console output goes.
// The server's stdout and stderr are merged into one rotating file.
// If Path is empty and Dir is set, the file is Dir/<name>.console.log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	Path       string `json:"path" mapstructure:"path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// ConsolePath resolves the effective console log path for name.
// Empty when no logging destination is configured.
func (c Config) ConsolePath(name string) string {
	if c.Path != "" {
		return c.Path
	}
	if c.Dir != "" {
		return filepath.Join(c.Dir, fmt.Sprintf("%s.console.log", name))
	}
	return ""
}

// Writer returns a rotating io.WriteCloser for the server console, or nil
// when no destination is configured (output is then discarded).
func (c Config) Writer(name string) (io.WriteCloser, error) {
	path := c.ConsolePath(name)
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}, nil
}

// New builds the operator-facing slog logger. Colors go to stderr so
// command output stays clean for piping.
func New(level slog.Level) *slog.Logger {
	h := NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
