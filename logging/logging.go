// Package logging builds the slog logger shared by the relay. Components take
// a *slog.Logger and derive children with With("component", ...), so any
// slog handler can be plugged in by embedding programs.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/m4xw311/mcprelay/config"
)

// New builds a logger from the log section of the configuration, writing to
// stderr. Stdout is left to the terminal gateway.
func New(cfg config.Log) *slog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg config.Log, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a config level name onto slog; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ToolCall records the outcome of a single tool invocation.
func ToolCall(log *slog.Logger, tool, correlationID string, dur time.Duration, err error) {
	if err != nil {
		log.Warn("tool invocation failed",
			"tool", tool, "correlation_id", correlationID, "duration", dur, "error", err)
		return
	}
	log.Info("tool invocation completed",
		"tool", tool, "correlation_id", correlationID, "duration", dur)
}

// LLMCall records model latency and output size.
func LLMCall(log *slog.Logger, model string, chars int, dur time.Duration, err error) {
	if err != nil {
		log.Error("llm call failed", "model", model, "duration", dur, "error", err)
		return
	}
	log.Debug("llm call completed", "model", model, "chars", chars, "duration", dur)
}
