// Package logging wires the process logger and keeps recent records for the
// diagnostics API.
package logging

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Entry is one captured log record
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Buffer stores the most recent log entries
type Buffer struct {
	entries []Entry
	size    int
	head    int
	count   int
	mu      sync.RWMutex

	subscribers map[chan Entry]bool
	subMu       sync.RWMutex
}

// NewBuffer creates a buffer holding size entries
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 1000
	}
	return &Buffer{
		entries:     make([]Entry, size),
		size:        size,
		subscribers: make(map[chan Entry]bool),
	}
}

// Add appends an entry, overwriting the oldest when full
func (b *Buffer) Add(entry Entry) {
	b.mu.Lock()
	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()

	b.subMu.RLock()
	for ch := range b.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
	b.subMu.RUnlock()
}

// Recent returns up to n entries, oldest first, at or above minLevel and from
// component when it is non-empty.
func (b *Buffer) Recent(n int, minLevel slog.Level, component string) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, 0, max(0, min(n, b.count)))
	for i := 0; i < b.count && len(out) < n; i++ {
		// walk newest to oldest, reversed below
		e := b.entries[(b.head-1-i+b.size)%b.size]
		if Matches(e, minLevel, component) {
			out = append(out, e)
		}
	}
	slices.Reverse(out)
	return out
}

// Len returns the number of retained entries
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Subscribe creates a channel that receives new entries
func (b *Buffer) Subscribe() chan Entry {
	ch := make(chan Entry, 100)
	b.subMu.Lock()
	b.subscribers[ch] = true
	b.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription
func (b *Buffer) Unsubscribe(ch chan Entry) {
	b.subMu.Lock()
	if b.subscribers[ch] {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.subMu.Unlock()
}

// Matches reports whether e is at or above minLevel and, when component is
// non-empty, from that component
func Matches(e Entry, minLevel slog.Level, component string) bool {
	if levelOf(e.Level) < minLevel {
		return false
	}
	return component == "" || e.Component == component
}

func levelOf(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// StreamHandler tees records into a Buffer and a fallback handler
type StreamHandler struct {
	buffer   *Buffer
	fallback slog.Handler
	level    slog.Leveler
	attrs    []slog.Attr
	groups   []string
}

// NewStreamHandler captures records at or above level. Passing a
// *slog.LevelVar lets the level change at runtime.
func NewStreamHandler(buffer *Buffer, fallback slog.Handler, level slog.Leveler) *StreamHandler {
	return &StreamHandler{
		buffer:   buffer,
		fallback: fallback,
		level:    level,
	}
}

// Enabled implements slog.Handler
func (h *StreamHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler
func (h *StreamHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any)
	var component string

	collect := func(a slog.Attr) {
		if a.Key == "component" {
			component = a.Value.String()
			return
		}
		attrs[a.Key] = a.Value.Any()
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	h.buffer.Add(Entry{
		Time:      r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Component: component,
		Attrs:     attrs,
	})

	return h.fallback.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *StreamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &StreamHandler{
		buffer:   h.buffer,
		fallback: h.fallback.WithAttrs(attrs),
		level:    h.level,
		attrs:    append(slices.Clip(h.attrs), attrs...),
		groups:   h.groups,
	}
}

// WithGroup implements slog.Handler
func (h *StreamHandler) WithGroup(name string) slog.Handler {
	return &StreamHandler{
		buffer:   h.buffer,
		fallback: h.fallback.WithGroup(name),
		level:    h.level,
		attrs:    h.attrs,
		groups:   append(slices.Clip(h.groups), name),
	}
}

// Setup builds the process logger writing format ("json" or "text") to w
// and capturing into a buffer of bufferSize entries.
func Setup(w io.Writer, format string, level *slog.LevelVar, bufferSize int) (*slog.Logger, *Buffer) {
	opts := &slog.HandlerOptions{Level: level}

	var fallback slog.Handler
	if format == "text" {
		fallback = slog.NewTextHandler(w, opts)
	} else {
		fallback = slog.NewJSONHandler(w, opts)
	}

	buffer := NewBuffer(bufferSize)
	return slog.New(NewStreamHandler(buffer, fallback, level)), buffer
}
