// Package logger provides subsystem-scoped slog loggers and context propagation.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Subsystem names used as the "subsystem" attribute and for per-subsystem level overrides.
const (
	SubsystemAPI        = "API"
	SubsystemImages     = "IMAGES"
	SubsystemInstances  = "INSTANCES"
	SubsystemHypervisor = "HYPERVISOR"
	SubsystemSeed       = "SEED"
	SubsystemVolumes    = "VOLUMES"
)

type contextKey struct{}

// Config holds the default log level and per-subsystem overrides.
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[string]slog.Level
}

// NewConfig reads LOG_LEVEL and LOG_LEVEL_<SUBSYSTEM> from the environment.
func NewConfig() Config {
	cfg := Config{
		DefaultLevel:    parseLevel(os.Getenv("LOG_LEVEL"), slog.LevelInfo),
		SubsystemLevels: make(map[string]slog.Level),
	}
	for _, sub := range []string{
		SubsystemAPI, SubsystemImages, SubsystemInstances,
		SubsystemHypervisor, SubsystemSeed, SubsystemVolumes,
	} {
		if v := os.Getenv("LOG_LEVEL_" + sub); v != "" {
			cfg.SubsystemLevels[sub] = parseLevel(v, cfg.DefaultLevel)
		}
	}
	return cfg
}

// LevelFor returns the effective level for a subsystem.
func (c Config) LevelFor(subsystem string) slog.Level {
	if lvl, ok := c.SubsystemLevels[subsystem]; ok {
		return lvl
	}
	return c.DefaultLevel
}

// NewSubsystemLogger creates a JSON logger on stdout tagged with the subsystem.
// When otelHandler is non-nil, records are also sent to the OTel log bridge.
func NewSubsystemLogger(subsystem string, cfg Config, otelHandler slog.Handler) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LevelFor(subsystem),
	})
	if otelHandler != nil {
		handler = &fanoutHandler{
			handlers: []slog.Handler{handler, otelHandler},
			level:    cfg.LevelFor(subsystem),
		}
	}
	return slog.New(handler).With("subsystem", subsystem)
}

// AddToContext returns a copy of ctx carrying log.
func AddToContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext returns the logger stored in ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if log, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && log != nil {
			return log
		}
	}
	return slog.Default()
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}

// fanoutHandler forwards each record to every wrapped handler.
type fanoutHandler struct {
	handlers []slog.Handler
	level    slog.Level
}

func (h *fanoutHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next, level: h.level}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}
	return &fanoutHandler{handlers: next, level: h.level}
}
