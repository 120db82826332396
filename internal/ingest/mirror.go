package ingest

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/Sanekng/FireGuard/internal/events"
	"github.com/Sanekng/FireGuard/internal/hub"
)

// Publisher sends a payload to an MQTT topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Attacher is the part of the broadcaster the mirror subscribes through.
type Attacher interface {
	Attach(hub.Subscriber) error
	Detach(hub.Subscriber) bool
}

// Mirror republishes every committed event on cameras/{id}/events using the
// same envelope as the WebSocket stream.
type Mirror struct {
	hub       Attacher
	pub       Publisher
	queueSize int
	logger    zerolog.Logger
}

// NewMirror constructs an event mirror.
func NewMirror(h Attacher, pub Publisher, queueSize int, logger zerolog.Logger) *Mirror {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Mirror{
		hub:       h,
		pub:       pub,
		queueSize: queueSize,
		logger:    logger.With().Str("component", "mirror").Logger(),
	}
}

// Run forwards events until ctx is cancelled or the hub is closed. If the
// mirror falls behind and the hub drops it, it re-attaches with a fresh
// mailbox; events broadcast in between are not mirrored.
func (m *Mirror) Run(ctx context.Context) {
	for {
		box := hub.NewMailbox("mqtt-mirror", m.queueSize)
		if err := m.hub.Attach(box); err != nil {
			m.logger.Info().Err(err).Msg("mirror stopped")
			return
		}

		m.drain(ctx, box)

		if ctx.Err() != nil {
			m.hub.Detach(box)
			return
		}
		m.logger.Warn().Msg("mirror dropped by hub, reattaching")
	}
}

func (m *Mirror) drain(ctx context.Context, box *hub.Mailbox) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-box.Done():
			return
		case ev := <-box.Events():
			m.forward(ev)
		}
	}
}

func (m *Mirror) forward(ev events.Event) {
	payload, err := events.Encode(ev)
	if err != nil {
		m.logger.Error().Err(err).Str("event", string(ev.Kind)).Msg("encode event")
		return
	}
	topic := EventsTopic(ev.EntityID())
	if err := m.pub.Publish(topic, payload); err != nil {
		m.logger.Debug().Err(err).Str("topic", topic).Msg("mirror publish failed")
	}
}
