// Package logger wires dialogcore's subsystems to a single slog.Logger,
// following the signaling service's own logger package: a hand-rolled
// slog.Handler that timestamps/brackets every line and reformats sipgo's
// own JSON log lines into the same bracketed style, so a mixed sipgo +
// dialogcore log stream reads as one voice.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
)

var (
	globalLevel  = slog.LevelInfo
	handlerMutex sync.RWMutex
)

// jsonParsingWriter wraps an io.Writer and reformats sipgo's JSON log lines
// (emitted by its embedded zerolog logger) into the bracketed console form
// the rest of dialogcore uses, so the two sources don't visually diverge.
type jsonParsingWriter struct {
	base io.Writer
}

func (w *jsonParsingWriter) Write(p []byte) (int, error) {
	line := string(p)

	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		var entry map[string]interface{}
		if err := json.Unmarshal(p, &entry); err == nil {
			level := "info"
			if lv, ok := entry["level"]; ok {
				level = fmt.Sprint(lv)
			}
			message := "unknown"
			if msg, ok := entry["message"]; ok {
				message = fmt.Sprint(msg)
			}
			timestamp := time.Now().Format("15:04:05")
			if t, ok := entry["time"]; ok {
				if ts, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
					timestamp = ts.Format("15:04:05")
				}
			}

			var attrs []string
			for k, v := range entry {
				if k != "level" && k != "message" && k != "time" && k != "caller" {
					attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
				}
			}

			formatted := fmt.Sprintf("[%s] [%s] [sipgo] %s", timestamp, strings.ToUpper(level), message)
			if len(attrs) > 0 {
				formatted += " " + strings.Join(attrs, " ")
			}
			formatted += "\n"
			return w.base.Write([]byte(formatted))
		}
	}

	return w.base.Write(p)
}

// SetLevel sets the process-wide minimum log level, e.g. from config.Config.LogLevel.
func SetLevel(levelStr string) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	globalLevel = ParseLevel(levelStr)
}

// ParseLevel parses a config string into an slog.Level, defaulting to Info
// for anything unrecognized rather than the teacher's debug default — a
// control-plane daemon should be quiet unless asked otherwise.
func ParseLevel(s string) slog.Level {
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
		return slog.LevelInfo
	}
}

// consoleHandler is a minimal slog.Handler that writes bracketed,
// timestamped lines to one or more outputs, filtered by globalLevel.
type consoleHandler struct {
	outs []io.Writer
	mu   sync.Mutex
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	handlerMutex.RLock()
	lvl := globalLevel
	handlerMutex.RUnlock()
	if record.Level < lvl {
		return nil
	}

	timestamp := record.Time.Format("15:04:05")
	message := record.Message

	var attrs []string
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a.Key+"="+a.Value.String())
		return true
	})
	if len(attrs) > 0 {
		message = message + " " + strings.Join(attrs, " ")
	}

	line := "[" + timestamp + "] [" + strings.ToUpper(record.Level.String()) + "] " + message + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write([]byte(line))
		}
	}
	return nil
}

func (h *consoleHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *consoleHandler) WithGroup(_ string) slog.Handler      { return h }

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return level >= globalLevel
}

// Init installs dialogcore's default logger onto slog.SetDefault, writing to
// a color-capable stdout (translated on Windows, passthrough elsewhere via
// go-colorable) plus any extra outputs the caller supplies, such as a log
// file.
func Init(extraOutputs ...io.Writer) {
	outputs := append([]io.Writer{colorable.NewColorableStdout()}, extraOutputs...)
	wrapped := make([]io.Writer, len(outputs))
	for i, out := range outputs {
		wrapped[i] = &jsonParsingWriter{base: out}
	}
	slog.SetDefault(slog.New(&consoleHandler{outs: wrapped}))
}
