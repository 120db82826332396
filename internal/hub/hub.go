// Package hub fans committed camera events out to every attached subscriber.
package hub

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Sanekng/FireGuard/internal/events"
)

// Subscriber receives events from the hub. Deliver must not block; an error
// means the subscriber is gone or cannot keep up and it will be detached.
// Close must not call back into the hub.
type Subscriber interface {
	ID() string
	Deliver(events.Event) error
	Close()
}

// ErrClosed is returned by Attach once the hub has been closed.
var ErrClosed = errors.New("hub closed")

// Hub owns the set of attached subscribers.
type Hub struct {
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[Subscriber]struct{}
	closed bool
}

// New constructs an empty hub.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "hub").Logger(),
		subs:   make(map[Subscriber]struct{}),
	}
}

// Attach registers sub; it receives every event broadcast after Attach returns.
// After Close, sub is closed instead and ErrClosed is returned.
func (h *Hub) Attach(sub Subscriber) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.Close()
		return ErrClosed
	}
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	h.logger.Debug().Str("subscriber", sub.ID()).Int("subscribers", n).Msg("subscriber attached")
	return nil
}

// Detach removes and closes sub. It reports whether sub was attached.
func (h *Hub) Detach(sub Subscriber) bool {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()

	sub.Close()
	if ok {
		h.logger.Debug().Str("subscriber", sub.ID()).Int("subscribers", n).Msg("subscriber detached")
	}
	return ok
}

// Broadcast hands ev to every attached subscriber and returns how many accepted it.
// Broadcasts are serialized, so each subscriber sees events in call order.
// Subscribers that fail delivery are detached; the failure is not returned.
func (h *Hub) Broadcast(ev events.Event) int {
	var failed []Subscriber
	delivered := 0

	h.mu.Lock()
	for sub := range h.subs {
		if err := sub.Deliver(ev); err != nil {
			delete(h.subs, sub)
			failed = append(failed, sub)
			h.logger.Info().
				Err(err).
				Str("subscriber", sub.ID()).
				Str("event", string(ev.Kind)).
				Msg("dropping subscriber")
			continue
		}
		delivered++
	}
	h.mu.Unlock()

	for _, sub := range failed {
		sub.Close()
	}
	return delivered
}

// Len returns the number of attached subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches every subscriber and refuses later attaches.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[Subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
