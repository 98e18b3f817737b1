package telemetry

import (
	"sync"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// subscriberBuffer bounds how far a slow client may lag before events are dropped.
const subscriberBuffer = 100

// Hub fans deployment events out to live stream clients, keyed by trace id.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan domain.DeploymentEvent // traceID -> client channels
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string][]chan domain.DeploymentEvent),
	}
}

// Subscribe registers a client for one deployment's events
func (h *Hub) Subscribe(traceID string) chan domain.DeploymentEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan domain.DeploymentEvent, subscriberBuffer)
	h.subscribers[traceID] = append(h.subscribers[traceID], ch)
	return ch
}

// Unsubscribe removes and closes a client channel
func (h *Hub) Unsubscribe(traceID string, ch chan domain.DeploymentEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[traceID]
	for i, sub := range subs {
		if sub == ch {
			subs = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subscribers, traceID)
	} else {
		h.subscribers[traceID] = subs
	}
}

// Publish implements domain.EventPublisher. It never blocks: a client whose
// buffer is full misses the event.
func (h *Hub) Publish(event domain.DeploymentEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[event.TraceID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribers reports how many clients follow traceID.
func (h *Hub) Subscribers(traceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[traceID])
}
