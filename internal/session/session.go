// Package session serves the real-time event stream. Each WebSocket
// connection is one subscriber: it is attached to the hub, sent a snapshot,
// and then forwarded every event until either side goes away.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Sanekng/FireGuard/internal/events"
	"github.com/Sanekng/FireGuard/internal/hub"
	"github.com/Sanekng/FireGuard/internal/model"
)

// Subscriptions is the part of the registry a session needs.
type Subscriptions interface {
	Subscribe(ctx context.Context, sub hub.Subscriber) ([]model.Camera, error)
	Unsubscribe(sub hub.Subscriber)
}

// Options tunes stream behaviour.
type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	CheckOrigin  func(origin string) bool
}

const maxClientMessage = 4096

// Handler upgrades requests to WebSocket sessions.
type Handler struct {
	subs     Subscriptions
	opts     Options
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	seq      atomic.Uint64
	active   atomic.Int64
}

// NewHandler constructs a stream handler.
func NewHandler(subs Subscriptions, opts Options, logger zerolog.Logger) *Handler {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}

	h := &Handler{
		subs:   subs,
		opts:   opts,
		logger: logger.With().Str("component", "session").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if opts.CheckOrigin == nil {
				return true
			}
			return opts.CheckOrigin(r.Header.Get("Origin"))
		},
	}
	return h
}

// Active returns the number of open sessions.
func (h *Handler) Active() int64 {
	return h.active.Load()
}

// ServeHTTP attaches a new subscriber for the lifetime of the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	id := fmt.Sprintf("ws-%d", h.seq.Add(1))
	s := &session{
		id:     id,
		conn:   conn,
		box:    hub.NewMailbox(id, h.opts.QueueSize),
		opts:   h.opts,
		logger: h.logger.With().Str("session", id).Str("remote_addr", r.RemoteAddr).Logger(),
	}

	h.active.Add(1)
	defer h.active.Add(-1)

	s.run(h.subs)
}

type session struct {
	id     string
	conn   *websocket.Conn
	box    *hub.Mailbox
	opts   Options
	logger zerolog.Logger
}

func (s *session) run(subs Subscriptions) {
	defer func() {
		_ = s.conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	snapshot, err := subs.Subscribe(ctx, s.box)
	cancel()
	if err != nil {
		s.logger.Error().Err(err).Msg("snapshot failed")
		s.closeWith(websocket.CloseInternalServerErr, "snapshot unavailable")
		return
	}
	defer subs.Unsubscribe(s.box)

	payload, err := events.EncodeSnapshot(snapshot)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode snapshot")
		s.closeWith(websocket.CloseInternalServerErr, "snapshot unavailable")
		return
	}
	if err := s.write(websocket.TextMessage, payload); err != nil {
		s.logger.Debug().Err(err).Msg("send snapshot failed")
		return
	}

	s.logger.Info().Int("cameras", len(snapshot)).Msg("viewer attached")

	go s.readLoop()
	s.writeLoop()

	s.logger.Info().Msg("viewer detached")
}

// readLoop discards client messages and watches for disconnects. Any read
// error closes the mailbox, which stops writeLoop.
func (s *session) readLoop() {
	defer s.box.Close()

	s.conn.SetReadLimit(maxClientMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.box.Done():
			s.closeWith(websocket.CloseGoingAway, "detached")
			return
		case ev := <-s.box.Events():
			payload, err := events.Encode(ev)
			if err != nil {
				s.logger.Error().Err(err).Str("event", string(ev.Kind)).Msg("encode event")
				continue
			}
			if err := s.write(websocket.TextMessage, payload); err != nil {
				s.logger.Debug().Err(err).Msg("deliver failed")
				s.box.Close()
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.logger.Debug().Err(err).Msg("ping failed")
				s.box.Close()
				return
			}
		}
	}
}

func (s *session) write(messageType int, payload []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return s.conn.WriteMessage(messageType, payload)
}

func (s *session) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
