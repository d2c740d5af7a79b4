// Package logbuf keeps the most recent log records in memory and fans new
// ones out to subscribers, so clients can show a live server console.
package logbuf

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const DefaultSize = 100

// Entry is the wire form of one record.
type Entry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Time    string `json:"time"`
}

// Buffer is a bounded ring of entries plus a subscriber set.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	start   int
	size    int
	subs    map[int]func(Entry)
	nextSub int
}

func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{entries: make([]Entry, 0, size), size: size, subs: make(map[int]func(Entry))}
}

// Append stores e, evicting the oldest entry when full, and notifies
// subscribers.
func (b *Buffer) Append(e Entry) {
	b.mu.Lock()
	if len(b.entries) < b.size {
		b.entries = append(b.entries, e)
	} else {
		b.entries[b.start] = e
		b.start = (b.start + 1) % b.size
	}
	subs := make([]func(Entry), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}

// Snapshot returns the buffered entries oldest first.
func (b *Buffer) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0, len(b.entries))
	out = append(out, b.entries[b.start:]...)
	out = append(out, b.entries[:b.start]...)
	return out
}

// Subscribe registers fn for every future entry. fn must not block.
func (b *Buffer) Subscribe(fn func(Entry)) (cancel func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Handler tees slog records into a Buffer before passing them on.
type Handler struct {
	next slog.Handler
	buf  *Buffer
}

func NewHandler(next slog.Handler, buf *Buffer) *Handler {
	return &Handler{next: next, buf: buf}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var msg strings.Builder
	msg.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&msg, " %s=%v", a.Key, a.Value.Resolve())
		return true
	})

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	h.buf.Append(Entry{
		Level:   r.Level.String(),
		Message: msg.String(),
		Time:    t.UTC().Format(time.TimeOnly),
	})
	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(attrs), buf: h.buf}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), buf: h.buf}
}
