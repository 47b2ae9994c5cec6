package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
)

// leadingKeys are printed right after the level, before the message.
var leadingKeys = []string{"component", "worker", "task_id"}

// TextHandlerConfig configures TextHandler.
type TextHandlerConfig struct {
	Color bool
	Level slog.Leveler
}

type TextHandlerOption func(*TextHandlerConfig)

func WithColor(c bool) TextHandlerOption {
	return func(cfg *TextHandlerConfig) { cfg.Color = c }
}

func WithLevel(level slog.Leveler) TextHandlerOption {
	return func(cfg *TextHandlerConfig) { cfg.Level = level }
}

// TextHandler writes one colored line per record:
//
//	2026-01-02T15:04:05Z INFO  scheduler task_... admitted tasks count=2
type TextHandler struct {
	cfg    TextHandlerConfig
	mu     *sync.Mutex
	w      io.Writer
	groups []string
	attrs  []slog.Attr
}

func NewTextHandler(w io.Writer, opts ...TextHandlerOption) *TextHandler {
	cfg := TextHandlerConfig{Color: true, Level: slog.LevelInfo}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &TextHandler{cfg: cfg, mu: &sync.Mutex{}, w: w}
}

func (h *TextHandler) clone() *TextHandler {
	nh := *h
	nh.groups = append([]string(nil), h.groups...)
	nh.attrs = append([]slog.Attr(nil), h.attrs...)
	return &nh
}

func (h *TextHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.cfg.Level.Level()
}

func (h *TextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	for _, a := range attrs {
		nh.attrs = append(nh.attrs, h.qualify(a))
	}
	return nh
}

func (h *TextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *TextHandler) qualify(a slog.Attr) slog.Attr {
	for i := len(h.groups) - 1; i >= 0; i-- {
		a.Key = h.groups[i] + "." + a.Key
	}
	return a
}

func (h *TextHandler) paint(attr ...color.Attribute) *color.Color {
	c := color.New(attr...)
	if h.cfg.Color {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c
}

func (h *TextHandler) Handle(_ context.Context, record slog.Record) error {
	var buf bytes.Buffer

	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	h.paint(color.Faint).Fprintf(&buf, "%s ", ts.Format(time.RFC3339))

	var lc *color.Color
	switch {
	case record.Level >= slog.LevelError:
		lc = h.paint(color.FgRed, color.Bold)
	case record.Level >= slog.LevelWarn:
		lc = h.paint(color.FgYellow)
	case record.Level >= slog.LevelInfo:
		lc = h.paint(color.FgBlue)
	default:
		lc = h.paint(color.FgCyan)
	}
	lc.Fprintf(&buf, "%-5s ", record.Level.String())

	kv := map[string]slog.Value{}
	for _, a := range h.attrs {
		kv[a.Key] = a.Value
	}
	record.Attrs(func(a slog.Attr) bool {
		a = h.qualify(a)
		kv[a.Key] = a.Value
		return true
	})

	for _, key := range leadingKeys {
		if v, ok := kv[key]; ok {
			h.paint(color.FgMagenta).Fprintf(&buf, "%s ", v)
			delete(kv, key)
		}
	}

	h.paint(color.FgGreen).Fprint(&buf, record.Message)

	if v, ok := kv[ErrorKey]; ok {
		delete(kv, ErrorKey)
		h.paint(color.FgRed).Fprintf(&buf, " error=%q", v.String())
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, " %s=%s", k, formatValue(kv[k]))
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func formatValue(v slog.Value) string {
	s := v.Resolve().String()
	if s == "" || bytes.ContainsAny([]byte(s), " \t\n\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
