// Package logging sets up the worker's structured logger: a JSON file
// handler at debug level, a text console handler at info level, and a
// bounded in-memory ring buffer that survives independently of the file
// handle so a crash dump (internal/diagnostics) can still report recent
// log records after the log file has been rotated out from under the
// process.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// ringBufferCapacity is the number of recent log records kept in memory
// for crash-time dumps.
const ringBufferCapacity = 100

type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}

// Record is a flattened snapshot of a log record, suitable for the
// diagnostics dump.
type Record struct {
	Time    string         `yaml:"time"`
	Level   string         `yaml:"level"`
	Message string         `yaml:"message"`
	Attrs   map[string]any `yaml:"attrs,omitempty"`
}

// RingBuffer is a fixed-capacity, concurrency-safe ring of recent log
// records.
type RingBuffer struct {
	mu  sync.Mutex
	buf []Record
	cap int
}

// NewRingBuffer returns an empty ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{cap: capacity}
}

func (rb *RingBuffer) push(r Record) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.buf = append(rb.buf, r)
	if len(rb.buf) > rb.cap {
		rb.buf = rb.buf[len(rb.buf)-rb.cap:]
	}
}

// Snapshot returns a copy of the records currently held, oldest first.
func (rb *RingBuffer) Snapshot() []Record {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	out := make([]Record, len(rb.buf))
	copy(out, rb.buf)
	return out
}

type ringHandler struct {
	rb       *RingBuffer
	minLevel slog.Level
}

func (h *ringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *ringHandler) Handle(_ context.Context, r slog.Record) error {
	rec := Record{
		Time:    r.Time.Format("2006-01-02T15:04:05.000Z07:00"),
		Level:   r.Level.String(),
		Message: r.Message,
	}
	attrs := map[string]any{}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	if len(attrs) > 0 {
		rec.Attrs = attrs
	}
	h.rb.push(rec)
	return nil
}

func (h *ringHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *ringHandler) WithGroup(_ string) slog.Handler      { return h }

// NewLogger builds the worker's logger: JSON records at debug level to
// filename, text records at info level to stdout, and everything at debug
// level into the returned ring buffer. The caller owns the returned file
// and must close it.
func NewLogger(filename string) (*slog.Logger, *os.File, *RingBuffer, error) {
	file, err := os.OpenFile(
		filename,
		os.O_CREATE|os.O_APPEND|os.O_WRONLY,
		0o644,
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	jsonHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	consoleHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	rb := NewRingBuffer(ringBufferCapacity)
	ring := &ringHandler{rb: rb, minLevel: slog.LevelDebug}

	handler := &multiHandler{
		handlers: []slog.Handler{
			jsonHandler,
			consoleHandler,
			ring,
		},
	}

	return slog.New(handler), file, rb, nil
}
