package connectivity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wolfeidau/offline-cache/telemetry"
)

// EventOnlineStatus is the type of every connectivity status event.
const EventOnlineStatus = "ONLINE_STATUS"

// DefaultSubscriberBuffer is the per-subscriber event buffer.
const DefaultSubscriberBuffer = 64

// Event is the status message delivered to consumers.
type Event struct {
	Type     string `json:"type"`
	IsOnline bool   `json:"isOnline"`
}

// Hub fans status events out to every attached consumer. Consumers that
// attach later get no history. A subscriber whose buffer is full loses its
// oldest pending event rather than blocking the publisher, so the latest
// state always reaches it.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	next   uint64
	buffer int
	closed bool
	logger *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSubscriberBuffer sets the per-subscriber buffer size.
func WithSubscriberBuffer(n int) HubOption {
	return func(h *Hub) {
		h.buffer = n
	}
}

// WithHubLogger sets the logger for the hub.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[uint64]chan Event),
		buffer: DefaultSubscriberBuffer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe attaches a consumer. The returned cancel func detaches it and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.next
	h.next++
	h.subs[id] = ch
	telemetry.RecordStatusSubscribers(context.Background(), 1)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
				telemetry.RecordStatusSubscribers(context.Background(), -1)
			}
		})
	}
}

// Publish sends an ONLINE_STATUS event to every subscriber and returns how
// many received it.
func (h *Hub) Publish(ctx context.Context, online bool) int {
	ev := Event{Type: EventOnlineStatus, IsOnline: online}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var delivered, dropped int
	for _, ch := range h.subs {
		if send(ch, ev) {
			delivered++
			continue
		}
		select {
		case <-ch:
			dropped++
		default:
		}
		if send(ch, ev) {
			delivered++
		}
	}
	telemetry.RecordStatusBroadcast(ctx, dropped)
	if dropped > 0 {
		h.logger.Warn("stale status event dropped for slow subscribers", "dropped", dropped)
	}
	h.logger.Debug("status broadcast", "online", online, "delivered", delivered)
	return delivered
}

func send(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// Subscribers returns the number of attached consumers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close detaches every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
		telemetry.RecordStatusSubscribers(context.Background(), -1)
	}
	h.closed = true
}
