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

// Default rotation parameters.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes rotating log files under Dir.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string // base directory for logs
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // gzip rotated files
}

// File returns a rotating writer for Dir/<file>. An absolute file is used as is.
func (c Config) File(file string) io.WriteCloser {
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.Dir, file)
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// Writers returns stdout and stderr writers for a child process:
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	if c.Dir == "" {
		return nil, nil, fmt.Errorf("log dir not set for %s", name)
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	return c.File(name + ".stdout.log"), c.File(name + ".stderr.log"), nil
}

// Shared returns one writer used for both streams of a child process.
func (c Config) Shared(path string) (io.WriteCloser, error) {
	if !filepath.IsAbs(path) && c.Dir == "" {
		return nil, fmt.Errorf("log dir not set for %s", path)
	}
	w := c.File(path)
	if err := os.MkdirAll(filepath.Dir(w.(*lj.Logger).Filename), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return w, nil
}

// ParseLevel maps debug|info|warn|error onto slog levels; unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds the launcher's own logger: colored text on console, plain
// text on the rotating file (when file is non-nil).
func Setup(level slog.Level, console io.Writer, color bool, file io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handlers []slog.Handler
	if console != nil {
		if color {
			handlers = append(handlers, NewColorTextHandler(console, opts, true))
		} else {
			handlers = append(handlers, slog.NewTextHandler(console, opts))
		}
	}
	if file != nil {
		handlers = append(handlers, slog.NewTextHandler(file, opts))
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0])
	}
	return slog.New(fanout(handlers))
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
