// Package logx is the in-process leveled logger used by every controller
// component. It wraps log/slog the way the device-protocol layer in the
// reference corpus wraps slog for its own event stream, and additionally
// keeps a bounded ring buffer so the log can be replayed over the Store
// contract's GET /api/logs surface.
package logx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level mirrors spec.md's LogEntry.level enumeration.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelTrace:
		return slog.LevelDebug - 4
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Category is a fixed enumeration of subsystems a LogEntry can originate from.
type Category string

const (
	CategoryUDP       Category = "udp"
	CategoryWallbox   Category = "wallbox"
	CategoryBroadcast Category = "broadcast"
	CategoryInverter  Category = "inverter"
	CategoryStrategy  Category = "strategy"
	CategoryNight     Category = "night"
	CategoryCLI       Category = "cli"
	CategorySSE       Category = "sse"
	CategoryHTTP      Category = "http"
	CategorySystem    Category = "system"
)

// Entry is the persisted shape of a single log line (spec.md §3 LogEntry).
type Entry struct {
	ID        string
	Timestamp time.Time
	Level     Level
	Category  Category
	Message   string
	Details   map[string]any
}

const ringCapacity = 1000

// Logger is a leveled logger scoped to one category, backed by a shared ring buffer.
type Logger struct {
	category Category
	slog     *slog.Logger
	ring     *ring
}

// ring is the shared bounded log history. Safe for concurrent use.
type ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func newRing() *ring {
	return &ring{entries: make([]Entry, ringCapacity)}
}

func (r *ring) push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % ringCapacity
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, ringCapacity)
	copy(out, r.entries[r.next:])
	copy(out[ringCapacity-r.next:], r.entries[:r.next])
	return out
}

func (r *ring) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
	r.full = false
}

// Hub owns the shared ring buffer and mints per-category Loggers.
type Hub struct {
	base *slog.Logger
	ring *ring
}

// NewHub creates a Hub writing to stderr as structured text, matching the
// ambient destination the teacher's plain log.Printf calls use.
func NewHub() *Hub {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug - 4})
	return &Hub{base: slog.New(handler), ring: newRing()}
}

// For returns a Logger scoped to the given category.
func (h *Hub) For(category Category) *Logger {
	return &Logger{category: category, slog: h.base.With(slog.String("category", string(category))), ring: h.ring}
}

// Entries returns a snapshot of the ring buffer, oldest first.
func (h *Hub) Entries() []Entry {
	return h.ring.snapshot()
}

// Clear empties the ring buffer (DELETE /api/logs).
func (h *Hub) Clear() {
	h.ring.clear()
}

func (l *Logger) log(level Level, msg string, details map[string]any) {
	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Level:     level,
		Category:  l.category,
		Message:   msg,
		Details:   details,
	}
	l.ring.push(entry)

	attrs := make([]any, 0, len(details)*2)
	for k, v := range details {
		attrs = append(attrs, k, v)
	}
	l.slog.Log(context.Background(), level.slogLevel(), msg, attrs...)
}

func (l *Logger) Trace(msg string, args ...any)   { l.log(LevelTrace, fmt.Sprintf(msg, args...), nil) }
func (l *Logger) Debug(msg string, args ...any)   { l.log(LevelDebug, fmt.Sprintf(msg, args...), nil) }
func (l *Logger) Info(msg string, args ...any)    { l.log(LevelInfo, fmt.Sprintf(msg, args...), nil) }
func (l *Logger) Warning(msg string, args ...any) { l.log(LevelWarning, fmt.Sprintf(msg, args...), nil) }
func (l *Logger) Error(msg string, args ...any)   { l.log(LevelError, fmt.Sprintf(msg, args...), nil) }

// WithDetails logs at the given level attaching a structured details map,
// for callers that already have a map.Entry (e.g. errors with context).
func (l *Logger) WithDetails(level Level, msg string, details map[string]any) {
	l.log(level, msg, details)
}
