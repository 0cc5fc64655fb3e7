// Package logging configures the process-wide slog handler. Loggers returned
// by L may be created at package init; they follow whatever handler Init
// installs later.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured log field names.
const (
	KeyRunID      = "runId"
	KeyOperation  = "op"
	KeyInstallID  = "installId"
	KeyComponent  = "component"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

const redacted = "[REDACTED]"

// handlerOp is one WithGroup or WithAttrs call, replayed in order onto the
// current root handler.
type handlerOp struct {
	group string
	attrs []slog.Attr
}

type switchableHandler struct {
	root *atomic.Pointer[slog.Handler]
	ops  []handlerOp
}

func (h *switchableHandler) current() slog.Handler {
	handler := *h.root.Load()
	for _, op := range h.ops {
		if op.group != "" {
			handler = handler.WithGroup(op.group)
		} else {
			handler = handler.WithAttrs(op.attrs)
		}
	}
	return handler
}

func (h *switchableHandler) with(op handlerOp) *switchableHandler {
	ops := make([]handlerOp, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &switchableHandler{root: h.root, ops: append(ops, op)}
}

func (h *switchableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return (*h.root.Load()).Enabled(ctx, level)
}

func (h *switchableHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.current().Handle(ctx, record)
}

func (h *switchableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(handlerOp{attrs: attrs})
}

func (h *switchableHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(handlerOp{group: name})
}

var (
	root          atomic.Pointer[slog.Handler]
	defaultLogger *slog.Logger
)

func init() {
	install(newHandler("text", slog.LevelInfo, os.Stderr))
	defaultLogger = slog.New(&switchableHandler{root: &root})
	slog.SetDefault(defaultLogger)
}

func install(h slog.Handler) { root.Store(&h) }

func newHandler(format string, level slog.Level, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// redact hides credential-bearing attributes such as feed headers and
// storage keys.
func redact(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString || a.Value.String() == "" {
		return a
	}
	k := strings.ToLower(a.Key)
	for _, s := range []string{"authorization", "secret", "password", "token", "app_key", "appkey", "connection_string"} {
		if strings.Contains(k, s) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// Init installs the process-wide handler.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: nil means os.Stderr; stdout stays free for command output.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	install(newHandler(format, parseLevel(level), output))
}

// Setup initializes logging and, when file is set, also writes to a rotating
// log file. The returned closer releases the file.
func Setup(format, level, file string, maxSizeMB, maxBackups int) (io.Closer, error) {
	if file == "" {
		Init(format, level, nil)
		return io.NopCloser(nil), nil
	}
	rw, err := NewRotatingWriter(file, maxSizeMB, maxBackups)
	if err != nil {
		return nil, err
	}
	Init(format, level, io.MultiWriter(os.Stderr, rw))
	return rw, nil
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithRun returns a child logger with update-run correlation fields attached.
func WithRun(logger *slog.Logger, runID, op string) *slog.Logger {
	return logger.With(
		slog.String(KeyRunID, runID),
		slog.String(KeyOperation, op),
	)
}

func parseLevel(s string) slog.Level {
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
