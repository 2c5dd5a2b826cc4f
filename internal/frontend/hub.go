// Package frontend exposes the orchestrator's command/event channels to
// clients: a JSON-lines stdio transport and a websocket endpoint. Both
// speak the same wire format, one JSON object per command or event.
package frontend

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/softdial/softdial/internal/call"
)

// commandSink is where frontends deliver decoded commands. The
// orchestrator satisfies it.
type commandSink interface {
	Submit(cmd call.Command)
}

// subscriberBuffer is the per-subscriber event queue depth. A subscriber
// that falls this far behind starts losing events instead of stalling
// the others.
const subscriberBuffer = 256

// Hub fans orchestrator events out to every connected frontend. Events
// are marshaled once and delivered as raw JSON to each subscriber.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewHub creates an event hub with no subscribers.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("component", "hub"),
		subs:   make(map[chan []byte]struct{}),
	}
}

// Subscribe registers a new event consumer. The returned cancel func
// removes the subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Run pumps events from the orchestrator stream into all subscribers
// until ctx is canceled.
func (h *Hub) Run(ctx context.Context, events <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

// broadcast marshals one event and offers it to every subscriber. Slow
// subscribers are skipped, not waited for.
func (h *Hub) broadcast(ev any) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
			h.logger.Warn("subscriber too slow, dropping event")
		}
	}
}
