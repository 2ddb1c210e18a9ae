// Package sse is the fan-out layer pushing live wallbox/strategy status to
// browser clients over Server-Sent Events. Grounded on
// cmd/mash-web/api/runs.go's per-run SSE channel registry (registration
// under a mutex, buffered per-client channel, http.Flusher-based streaming
// loop, cleanup on disconnect) generalized from one channel-per-run to one
// global registry with idle keep-alives and a shutdown broadcast.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/evhome/chargectl/internal/logx"
)

const (
	idleSweepInterval = 15 * time.Second
	idleThreshold     = 30 * time.Second
)

// StatusSource supplies the full status snapshot PushFull broadcasts. It is
// implemented by whatever owns the merged wallbox/strategy/inverter view
// (the HTTP layer's aggregate, in this repo).
type StatusSource interface {
	FullStatus(ctx context.Context) (map[string]any, error)
}

type client struct {
	id       int
	messages chan message
	lastSend time.Time
	mu       sync.Mutex
}

type message struct {
	event string
	data  map[string]any
}

// Hub is the SSE client registry. Safe for concurrent use.
type Hub struct {
	source StatusSource
	log    *logx.Logger

	mu      sync.Mutex
	clients map[int]*client
	nextID  int
}

// NewHub constructs a Hub. source may be nil if PushFull is never called
// (e.g. only partial updates are used).
func NewHub(source StatusSource, log *logx.Logger) *Hub {
	return &Hub{source: source, log: log, clients: make(map[int]*client)}
}

// Attach upgrades w into a long-lived SSE stream and blocks until the
// client disconnects, the hub shuts down, or a write fails. It is meant to
// be called directly from an http.HandlerFunc.
func (h *Hub) Attach(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	c := &client{messages: make(chan message, 32), lastSend: nowFunc()}
	h.mu.Lock()
	c.id = h.nextID
	h.nextID++
	h.clients[c.id] = c
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
	}()

	if !writeComment(w, flusher, "connected") {
		return
	}
	c.touch()

	ctx := r.Context()
	for {
		select {
		case msg, ok := <-c.messages:
			if !ok {
				writeFrame(w, flusher, "shutdown", nil)
				return
			}
			if msg.event == "ping" {
				if !writeComment(w, flusher, "ping") {
					return
				}
				c.touch()
				continue
			}
			if !writeFrame(w, flusher, msg.event, msg.data) {
				return
			}
			c.touch()
		case <-ctx.Done():
			return
		}
	}
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastSend = nowFunc()
	c.mu.Unlock()
}

func (c *client) idleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastSend)
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, event string, data map[string]any) bool {
	var payload []byte
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return false
		}
		payload = b
	} else {
		payload = []byte("{}")
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func writeComment(w http.ResponseWriter, flusher http.Flusher, text string) bool {
	if _, err := fmt.Fprintf(w, ": %s\n\n", text); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// PushFull broadcasts the full status snapshot as a "wallbox-status" event.
func (h *Hub) PushFull(ctx context.Context) {
	if h.source == nil {
		return
	}
	status, err := h.source.FullStatus(ctx)
	if err != nil {
		h.log.Warning("sse: cannot build full status: %v", err)
		return
	}
	h.broadcast("wallbox-status", status)
}

// PushPartial broadcasts only the changed fields as a "wallbox-partial"
// event, with lastUpdated stamped in.
func (h *Hub) PushPartial(ctx context.Context, fields map[string]any) {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["lastUpdated"] = nowFunc()
	h.broadcast("wallbox-partial", out)
}

func (h *Hub) broadcast(event string, data map[string]any) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.messages <- message{event: event, data: data}:
		default:
			h.log.Warning("sse: client %d backlogged, dropping %s", c.id, event)
		}
	}
}

// RunIdleSweep pings clients that haven't received a message in over 30s,
// checked roughly every 15s, until ctx is cancelled.
func (h *Hub) RunIdleSweep(ctx context.Context) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.pingIdleClients()
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) pingIdleClients() {
	now := nowFunc()
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.idleFor(now) > idleThreshold {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.messages <- message{event: "ping"}:
		default:
		}
	}
}

// ClientCount reports the number of currently attached clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown sends a shutdown event to every client, closes their channels so
// each Attach call returns, and clears the registry.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[int]*client)
	h.mu.Unlock()

	for _, c := range clients {
		close(c.messages)
	}
}
