// Package logging builds the process slog.Logger and bridges logging/setLevel requests onto it.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/craftcoach"
)

// LevelTrace sits below slog.LevelDebug for wire-level detail.
const LevelTrace = slog.LevelDebug - 4

// levelDisabled is above every level a handler emits.
const levelDisabled = slog.Level(1 << 10)

// Options selects the logger's output.
type Options struct {
	Level  string
	Format string
}

// New returns a logger writing to w and the LevelVar controlling it.
func New(w io.Writer, opts Options) (*slog.Logger, *slog.LevelVar, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	lv := new(slog.LevelVar)
	lv.Set(level)
	hopts := &slog.HandlerOptions{Level: lv}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		h = slog.NewTextHandler(w, hopts)
	case "json":
		h = slog.NewJSONHandler(w, hopts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	return slog.New(h), lv, nil
}

// ParseLevel maps a level name to a slog.Level. An empty name is info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info", "notice":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical", "alert", "emergency":
		return slog.LevelError, nil
	case "disabled", "off":
		return levelDisabled, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

// LevelHandler applies logging/setLevel requests to a LevelVar.
type LevelHandler struct {
	level  *slog.LevelVar
	logger *slog.Logger
}

// NewLevelHandler returns a handler adjusting level. logger may be nil.
func NewLevelHandler(level *slog.LevelVar, logger *slog.Logger) *LevelHandler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LevelHandler{level: level, logger: logger}
}

// SetLogLevel implements mcp.LogHandler.
func (h *LevelHandler) SetLogLevel(level mcp.LogLevel) {
	next := SlogLevel(level)
	prev := h.level.Level()
	h.level.Set(next)
	h.logger.Info("log level changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
		slog.String("requested", level.String()))
}

// SlogLevel maps the protocol severities onto the four slog levels.
func SlogLevel(level mcp.LogLevel) slog.Level {
	switch {
	case level <= mcp.LogLevelDebug:
		return slog.LevelDebug
	case level <= mcp.LogLevelNotice:
		return slog.LevelInfo
	case level == mcp.LogLevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
