// Package logging configures the zerolog loggers used across edubuddy.
// It supports console and file outputs, per-component child loggers and
// level parsing from configuration strings.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Config configures the logger behavior.
type Config struct {
	Level   string // debug, info, warn, error
	File    string // Optional file path for persistent logs
	Console bool   // Write to stderr
	Pretty  bool   // Human readable console output instead of JSON
	Caller  bool   // Annotate entries with file:line
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Console: true,
		Pretty:  true,
	}
}

// VerboseConfig returns a configuration for verbose troubleshooting.
func VerboseConfig() Config {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	cfg.Caller = true
	return cfg
}

var (
	fileMu sync.Mutex
	files  []*os.File
)

// New builds a zerolog.Logger from cfg. Console output is colored only when
// Pretty is set; file output is always plain JSON lines.
func New(cfg Config) (zerolog.Logger, error) {
	var writers []io.Writer

	if cfg.Console {
		if cfg.Pretty {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05.000"})
		} else {
			writers = append(writers, os.Stderr)
		}
	}

	if cfg.File != "" {
		f, err := openLogFile(cfg.File)
		if err != nil {
			return zerolog.Nop(), err
		}
		writers = append(writers, f)
	}

	if len(writers) == 0 {
		return zerolog.Nop(), nil
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return ctx.Logger(), nil
}

// Setup builds a logger from cfg and installs it as the global zerolog logger.
func Setup(cfg Config) (zerolog.Logger, error) {
	logger, err := New(cfg)
	if err != nil {
		return logger, err
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zlog.Logger = logger
	zerolog.DefaultContextLogger = &logger
	return logger, nil
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return zlog.Logger.With().Str("component", name).Logger()
}

// WithComponent returns a child of base tagged with a component name.
func WithComponent(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Close closes any log files opened by New.
func Close() error {
	fileMu.Lock()
	defer fileMu.Unlock()

	var firstErr error
	for _, f := range files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	files = nil
	return firstErr
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	fileMu.Lock()
	files = append(files, f)
	fileMu.Unlock()
	return f, nil
}

// ParseLevel parses a string into a zerolog level. Unknown values map to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
