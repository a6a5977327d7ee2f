package httpapi

import (
	"sync"

	"github.com/ent0n29/companion-voice/internal/observability"
	"github.com/ent0n29/companion-voice/internal/protocol"
)

const subscriberBuffer = 64

// Subscription receives published events until Unsubscribe.
type Subscription struct {
	events chan protocol.Event
}

func (s *Subscription) Events() <-chan protocol.Event {
	return s.events
}

// EventHub fans forwarded conversation events out to websocket subscribers.
// Publish never blocks: a subscriber that falls behind loses events.
type EventHub struct {
	metrics *observability.Metrics

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewEventHub(metrics *observability.Metrics) *EventHub {
	return &EventHub{metrics: metrics, subs: make(map[*Subscription]struct{})}
}

func (h *EventHub) Subscribe() *Subscription {
	sub := &Subscription{events: make(chan protocol.Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *EventHub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.events)
	}
}

// Publish matches protocol.EventHandler so it can be passed to Connect.
func (h *EventHub) Publish(event protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.events <- event:
		default:
			h.metrics.ObserveIndicator("event_subscriber_drop")
		}
	}
}

func (h *EventHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
