package testutils

import (
	"context"
	"log/slog"
	"sync"
)

// LogEntry is one captured record flattened to a map. The level and message
// sit under "level" and "message"; grouped attributes use dotted keys.
type LogEntry map[string]any

// logSink is shared by a handler and everything derived from it.
type logSink struct {
	mu      sync.Mutex
	entries []LogEntry
}

// TestSlogHandler captures slog records in memory.
type TestSlogHandler struct {
	sink   *logSink
	prefix string
	attrs  []slog.Attr
}

var _ slog.Handler = (*TestSlogHandler)(nil)

// NewTestSlogHandler creates an empty capturing handler.
func NewTestSlogHandler() *TestSlogHandler {
	return &TestSlogHandler{sink: &logSink{}}
}

// NewTestLogger returns a logger and the handler capturing its output.
func NewTestLogger() (*slog.Logger, *TestSlogHandler) {
	h := NewTestSlogHandler()
	return slog.New(h), h
}

func (h *TestSlogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *TestSlogHandler) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{"level": r.Level.String(), "message": r.Message}
	for _, a := range h.attrs {
		flatten(entry, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(entry, h.prefix, a)
		return true
	})

	h.sink.mu.Lock()
	h.sink.entries = append(h.sink.entries, entry)
	h.sink.mu.Unlock()
	return nil
}

func (h *TestSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		merged = append(merged, a)
	}
	return &TestSlogHandler{sink: h.sink, prefix: h.prefix, attrs: merged}
}

func (h *TestSlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &TestSlogHandler{sink: h.sink, prefix: h.prefix + name + ".", attrs: h.attrs}
}

func flatten(entry LogEntry, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range v.Group() {
			flatten(entry, p, ga)
		}
		return
	}
	entry[prefix+a.Key] = v.Any()
}

// Entries returns a copy of everything captured so far.
func (h *TestSlogHandler) Entries() []LogEntry {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	return append([]LogEntry(nil), h.sink.entries...)
}

// FindByMessage returns the captured entries with the given message.
func (h *TestSlogHandler) FindByMessage(message string) []LogEntry {
	return h.filter(func(e LogEntry) bool { return e["message"] == message })
}

// AtLevel returns the captured entries logged at level or above.
func (h *TestSlogHandler) AtLevel(level slog.Level) []LogEntry {
	return h.filter(func(e LogEntry) bool {
		var l slog.Level
		s, _ := e["level"].(string)
		return l.UnmarshalText([]byte(s)) == nil && l >= level
	})
}

func (h *TestSlogHandler) filter(keep func(LogEntry) bool) []LogEntry {
	var out []LogEntry
	for _, e := range h.Entries() {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops every captured entry.
func (h *TestSlogHandler) Clear() {
	h.sink.mu.Lock()
	h.sink.entries = nil
	h.sink.mu.Unlock()
}
