// Package logger owns the process-wide slog loggers: the application logger
// and the audit logger used by the gateway.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes the application logger.
type Config struct {
	Level string
	// Format is "json" or "text".
	Format string
	// OutputPaths accepts "stdout", "stderr" or file paths. Empty means stdout.
	OutputPaths []string
	AddSource   bool
	Audit       AuditConfig
}

// AuditConfig controls the rotated audit log. When disabled, audit records go
// to the application logger.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ErrAlreadyInitialised is returned by Init after the first successful call.
var ErrAlreadyInitialised = errors.New("logger already initialised")

var (
	mu      sync.RWMutex
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
	level   = new(slog.LevelVar)
)

// Init installs the process loggers. Only the first call takes effect; later
// calls return ErrAlreadyInitialised and leave the loggers untouched.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if app != nil {
		return ErrAlreadyInitialised
	}
	return install(cfg)
}

func install(cfg Config) error {
	level.Set(ParseLevel(cfg.Level))

	out, outClosers, err := openOutputs(cfg.OutputPaths)
	if err != nil {
		return err
	}
	appLogger := slog.New(newHandler(cfg.Format, out, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}))

	auditLogger := appLogger
	if cfg.Audit.Enabled {
		rotated, err := openAudit(cfg.Audit)
		if err != nil {
			closeAll(outClosers)
			return err
		}
		outClosers = append(outClosers, rotated)
		auditLogger = slog.New(slog.NewJSONHandler(rotated, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	app, audit, closers = appLogger, auditLogger, outClosers
	return nil
}

// SetLevel changes the application log level at runtime. The audit log always
// records at info.
func SetLevel(name string) {
	level.Set(ParseLevel(name))
}

// ParseLevel maps a level name to slog; unknown names mean info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func openOutputs(paths []string) (io.Writer, []io.Closer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil, nil
	}
	var (
		writers []io.Writer
		opened  []io.Closer
	)
	for _, p := range paths {
		switch strings.ToLower(p) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				closeAll(opened)
				return nil, nil, fmt.Errorf("create log directory: %w", err)
			}
			f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				closeAll(opened)
				return nil, nil, fmt.Errorf("open log file %s: %w", p, err)
			}
			writers = append(writers, f)
			opened = append(opened, f)
		}
	}
	if len(writers) == 1 {
		return writers[0], opened, nil
	}
	return io.MultiWriter(writers...), opened, nil
}

func openAudit(cfg AuditConfig) (*lumberjack.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 7),
		MaxAge:     orDefault(cfg.MaxAgeDays, 30),
		Compress:   cfg.Compress,
	}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func closeAll(cs []io.Closer) error {
	var err error
	for _, c := range cs {
		err = errors.Join(err, c.Close())
	}
	return err
}

// L returns the application logger, installing a stdout JSON logger on first
// use when Init was never called.
func L() *slog.Logger {
	mu.RLock()
	l := app
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if app == nil {
		_ = install(Config{})
	}
	return app
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	mu.RLock()
	a := audit
	mu.RUnlock()
	if a != nil {
		return a
	}
	return L()
}

// Named returns a child logger tagged with a component name.
func Named(component string) *slog.Logger {
	return L().With("component", component)
}

// Sync closes file outputs. Loggers stay usable but writes to closed files
// are lost.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	err := closeAll(closers)
	closers = nil
	return err
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
