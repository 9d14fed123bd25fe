package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"sharemarket/core/events"
	"sharemarket/core/types"
)

// Hub fans committed events out to websocket subscribers. It implements
// events.Emitter and never blocks the committing transaction, so a subscriber
// whose buffer is full misses events.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	buffer int
}

type subscription struct {
	ch     chan *types.Event
	filter map[string]struct{}
}

// NewHub constructs a hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{subs: make(map[*subscription]struct{}), buffer: buffer}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok || h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.matches(payload.EventType()) {
			continue
		}
		select {
		case sub.ch <- payload.Event().Clone():
		default:
			slog.Debug("marketd: stream subscriber lagging", "type", payload.EventType())
		}
	}
}

// Subscribe registers a subscriber for the listed event types, or every type
// when none are given. The returned cancel func must be called once.
func (h *Hub) Subscribe(eventTypes []string) (<-chan *types.Event, func()) {
	sub := &subscription{ch: make(chan *types.Event, h.buffer)}
	if len(eventTypes) > 0 {
		sub.filter = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			sub.filter[t] = struct{}{}
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub.ch, func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}
}

// Subscribers reports the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *subscription) matches(eventType string) bool {
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[eventType]
	return ok
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var filter []string
	if raw := strings.TrimSpace(r.URL.Query().Get("types")); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter = append(filter, t)
			}
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.StreamOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := s.hub.Subscribe(filter)
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	if err := s.stream(ctx, conn, updates); err != nil && websocket.CloseStatus(err) == -1 {
		slog.Debug("marketd: stream ended", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "stream error")
	}
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, updates <-chan *types.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if err := s.writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	timeout := s.cfg.StreamWriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
