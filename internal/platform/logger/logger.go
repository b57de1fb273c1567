// Package logger builds the process logger: colored console output through
// tint and an optional rotating JSON file, both behind key redaction.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultSensitive lists attribute keys that are never logged verbatim.
var DefaultSensitive = []string{"encryption_key", "secret", "token", "password"}

// Options defines parameters for logger creation.
type Options struct {
	Env          string
	ConsoleLevel string // default: info
	FileLevel    string // default: debug
	File         string
	App          string
	// Console receives console output. Defaults to os.Stdout.
	Console io.Writer
	// Sensitive is added to DefaultSensitive.
	Sensitive []string
}

var closers sync.Map

// New creates a configured slog.Logger.
func New(o Options) *slog.Logger {
	if o.ConsoleLevel == "" {
		o.ConsoleLevel = "info"
	}
	if o.FileLevel == "" {
		o.FileLevel = "debug"
	}
	if o.Console == nil {
		o.Console = os.Stdout
	}
	sensitive := append(append([]string(nil), DefaultSensitive...), o.Sensitive...)

	timeFormat := time.RFC3339
	if o.Env == "dev" {
		timeFormat = time.Kitchen
	}
	var console slog.Handler = tint.NewHandler(o.Console, &tint.Options{
		Level:      ParseLevel(o.ConsoleLevel),
		TimeFormat: timeFormat,
		NoColor:    o.Console != os.Stdout,
	})
	handlers := []slog.Handler{NewRedactingHandler(console, sensitive)}

	var closer func() error
	if o.File != "" {
		w := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    5,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		closer = w.Close
		file := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(o.FileLevel)})
		handlers = append(handlers, NewRedactingHandler(file, sensitive))
	}

	h := handlers[0]
	if len(handlers) > 1 {
		h = NewMultiHandler(handlers...)
	}
	l := slog.New(h).With(
		slog.String("app", o.App),
		slog.String("env", o.Env),
	)
	if closer != nil {
		closers.Store(l, closer)
	}
	return l
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Close releases the log file behind a logger created by New.
func Close(logger *slog.Logger) error {
	if c, ok := closers.LoadAndDelete(logger); ok {
		return c.(func() error)()
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactingHandler masks sensitive log attributes.
type RedactingHandler struct {
	inner slog.Handler
	keys  map[string]struct{}
}

// NewRedactingHandler wraps inner with redaction of the given keys.
func NewRedactingHandler(inner slog.Handler, sensitive []string) *RedactingHandler {
	m := make(map[string]struct{}, len(sensitive))
	for _, k := range sensitive {
		m[strings.ToLower(k)] = struct{}{}
	}
	return &RedactingHandler{inner: inner, keys: m}
}

func (h *RedactingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool { attrs = append(attrs, a); return true })
	nr.AddAttrs(h.sanitize(attrs)...)
	return h.inner.Handle(ctx, nr)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithAttrs(h.sanitize(attrs)), keys: h.keys}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), keys: h.keys}
}

const redacted = "[REDACTED]"

func (h *RedactingHandler) sanitize(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		if _, ok := h.keys[strings.ToLower(a.Key)]; ok {
			out = append(out, slog.String(a.Key, redacted))
			continue
		}
		switch v := a.Value.Resolve(); v.Kind() {
		case slog.KindGroup:
			out = append(out, slog.Attr{Key: a.Key, Value: slog.GroupValue(h.sanitize(v.Group())...)})
		case slog.KindString:
			if looksLikeKey(v.String()) {
				out = append(out, slog.String(a.Key, redacted))
				continue
			}
			out = append(out, a)
		default:
			out = append(out, a)
		}
	}
	return out
}

// looksLikeKey reports whether s is a long hex string such as an encryption
// key passed around under an unexpected attribute name.
func looksLikeKey(s string) bool {
	if len(s) < 64 {
		return false
	}
	for _, c := range s {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

// MultiHandler fans records out to several handlers.
type MultiHandler struct {
	handlers []slog.Handler
}

// NewMultiHandler creates a handler that writes to every handler.
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: handlers}
}

func (h *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &MultiHandler{handlers: handlers}
}
