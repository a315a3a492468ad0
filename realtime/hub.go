package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"progresskit/core"
	"progresskit/engine"
)

// Hub fans domain events out to connected clients. A subscription can be
// scoped to a single player so a game client only sees its own progress;
// item-level events (expiry, completion) carry no player and reach every
// subscriber.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	ch     chan core.Event
	player core.PlayerID // empty = all players
}

func NewHub() *Hub { return &Hub{subs: map[int]subscriber{}} }

// Subscribe registers an unfiltered subscription.
func (h *Hub) Subscribe(buffer int) (int, <-chan core.Event) {
	return h.subscribe(buffer, "")
}

// SubscribePlayer registers a subscription limited to one player's events
// plus the player-less item lifecycle events.
func (h *Hub) SubscribePlayer(buffer int, player core.PlayerID) (int, <-chan core.Event) {
	return h.subscribe(buffer, player)
}

func (h *Hub) subscribe(buffer int, player core.PlayerID) (int, <-chan core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	ch := make(chan core.Event, buffer)
	h.subs[id] = subscriber{ch: ch, player: player}
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func (h *Hub) Broadcast(_ context.Context, ev core.Event) {
	h.mu.RLock()
	// copy to avoid holding lock during send
	receivers := make([]chan core.Event, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.player != "" && ev.PlayerID != "" && ev.PlayerID != sub.player {
			continue
		}
		receivers = append(receivers, sub.ch)
	}
	h.mu.RUnlock()
	for _, ch := range receivers {
		select {
		case ch <- ev:
		default: /* drop if full */
		}
	}
}

// Attach subscribes the hub to every event the bus publishes and returns
// the detach func.
func (h *Hub) Attach(bus *engine.EventBus) func() {
	return bus.SubscribeAll(h.Broadcast)
}

// MarshalJSON is a helper to convert events to JSON bytes for WebSocket/SSE.
func MarshalJSON(ev core.Event) []byte {
	b, _ := json.Marshal(ev)
	return b
}
