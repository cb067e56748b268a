package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes rotated log files. Rotation parameters follow
// lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`         // base directory for logs
	Path       string `mapstructure:"path"`        // engine log, overrides Dir/checkengine.log
	StderrPath string `mapstructure:"stderr_path"` // connector stderr, overrides Dir/<name>.stderr.log
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config selects the engine log level, format and destination.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error
	Format string     `mapstructure:"format"` // text or json
	Color  bool       `mapstructure:"color"`  // ANSI colors for the text format on stderr
	File   FileConfig `mapstructure:"file"`
}

// ParseLevel maps a level name to slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// New builds the engine logger. The returned closer releases the log file, if
// any.
func (c Config) New() (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
		file   bool
	)
	if path := c.File.enginePath(); path != "" {
		f := c.File.rotate(path)
		w, closer, file = f, f, true
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "", "text":
		if c.Color && !file {
			h = NewColorTextHandler(w, opts)
		} else {
			h = slog.NewTextHandler(w, opts)
		}
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	return slog.New(h), closer, nil
}

// StderrWriter returns a rotated writer for the stderr of the named
// connector, or nil when no destination is configured.
func (c Config) StderrWriter(name string) io.WriteCloser {
	path := c.File.StderrPath
	if path == "" && c.File.Dir != "" {
		path = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if path == "" {
		return nil
	}
	return c.File.rotate(path)
}

func (f FileConfig) enginePath() string {
	if f.Path != "" {
		return f.Path
	}
	if f.Dir != "" {
		return filepath.Join(f.Dir, "checkengine.log")
	}
	return ""
}

func (f FileConfig) rotate(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
