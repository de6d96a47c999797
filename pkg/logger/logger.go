// Package logger configures the process-wide slog loggers and the rotating
// audit log. Every record carries the service name; loggers returned by
// Named add a component attribute.
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
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Attribute keys shared by every escrow log line.
const (
	ServiceKey   = "service"
	ComponentKey = "component"
	StreamKey    = "stream"
)

// DefaultService names records when Config.Service is empty.
const DefaultService = "escrowd"

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Service     string
	// HideSource drops the file:line attribute from application records.
	HideSource bool
	Audit      AuditConfig
}

// AuditConfig controls the rotating audit stream. Zero sizes take the
// defaults of 100MB, 7 backups and 30 days.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type state struct {
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	mu      sync.Mutex
	current atomic.Pointer[state]
)

// Init replaces the global loggers. Outputs opened by a previous Init are
// closed once the new ones are in place.
func Init(cfg Config) error {
	next, err := build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	prev := current.Swap(next)
	mu.Unlock()
	if prev != nil {
		return closeAll(prev.closers)
	}
	return nil
}

func build(cfg Config) (*state, error) {
	service := cfg.Service
	if service == "" {
		service = DefaultService
	}
	st := &state{}

	out, err := st.openOutputs(cfg.OutputPaths)
	if err != nil {
		_ = closeAll(st.closers)
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   !cfg.HideSource,
		ReplaceAttr: utcTime,
	}
	st.app = slog.New(newHandler(cfg.Format, out, opts)).With(slog.String(ServiceKey, service))
	st.audit = st.app.With(slog.String(StreamKey, "audit"))

	if cfg.Audit.Enabled {
		w, err := rotatingWriter(cfg.Audit)
		if err != nil {
			_ = closeAll(st.closers)
			return nil, err
		}
		st.closers = append(st.closers, w)
		st.audit = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: utcTime})).
			With(slog.String(ServiceKey, service), slog.String(StreamKey, "audit"))
	}
	return st, nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// openOutputs resolves "stdout", "stderr" or file paths into one writer.
func (st *state) openOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, p := range paths {
		switch strings.ToLower(p) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", p, err)
			}
			st.closers = append(st.closers, f)
			writers = append(writers, f)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func rotatingWriter(cfg AuditConfig) (*lumberjack.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    positiveOr(cfg.MaxSizeMB, 100),
		MaxBackups: positiveOr(cfg.MaxBackups, 7),
		MaxAge:     positiveOr(cfg.MaxAgeDays, 30),
		Compress:   cfg.Compress,
	}, nil
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func utcTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		return slog.String(slog.TimeKey, a.Value.Time().UTC().Format(time.RFC3339Nano))
	}
	return a
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err == nil {
		return l
	}
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	return err
}

func load() *state {
	if st := current.Load(); st != nil {
		return st
	}
	mu.Lock()
	defer mu.Unlock()
	if st := current.Load(); st != nil {
		return st
	}
	st, _ := build(Config{})
	current.Store(st)
	return st
}

// L returns the application logger, building a stdout JSON logger on first
// use when Init was never called.
func L() *slog.Logger { return load().app }

// Audit returns the audit logger.
func Audit() *slog.Logger { return load().audit }

// Named returns a child logger tagged with the component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String(ComponentKey, name))
}

// Sync closes the file outputs of the current loggers. Records logged
// afterwards to a closed file are dropped.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	st := current.Load()
	if st == nil {
		return nil
	}
	err := closeAll(st.closers)
	st.closers = nil
	return err
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
