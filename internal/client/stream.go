package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Sanekng/FireGuard/internal/events"
	"github.com/Sanekng/FireGuard/internal/reconciler"
)

// Update is reported to a stream's observer after each change to the view.
type Update struct {
	// Resynced is set when a snapshot replaced the view.
	Resynced bool
	Event    events.Event
	Change   reconciler.Change
}

// StreamOptions tunes a Stream.
type StreamOptions struct {
	// OnUpdate is called from the stream goroutine after the view changes.
	OnUpdate func(Update)
	// NewBackOff builds the reconnect policy; the default retries forever
	// with exponential delays capped at 30s.
	NewBackOff func() backoff.BackOff
	// ReadTimeout is how long the connection may stay silent before it is
	// treated as dead. Keep it above twice the server's ping interval.
	ReadTimeout time.Duration
	Header      http.Header
}

// Stream keeps a reconciler.View in sync with the server. Every connection
// starts from a fresh snapshot, so reconnecting always resyncs the view.
type Stream struct {
	url    string
	view   *reconciler.View
	opts   StreamOptions
	dialer *websocket.Dialer
	logger zerolog.Logger

	connects atomic.Int64
}

// Stream returns a stream feeding view from this client's server.
func (c *Client) Stream(view *reconciler.View, opts StreamOptions, logger zerolog.Logger) *Stream {
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	return &Stream{
		url:    c.StreamURL(),
		view:   view,
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.With().Str("component", "stream").Logger(),
	}
}

// defaultReadTimeout allows two missed pings at the server's default 30s interval.
const defaultReadTimeout = 75 * time.Second

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Connects returns how many times the stream has connected and loaded a snapshot.
func (s *Stream) Connects() int64 {
	return s.connects.Load()
}

// Run connects and follows the stream until ctx is cancelled or the backoff
// policy gives up. Failed dials and connections that drop before delivering
// a snapshot both advance the backoff; it is reset once a snapshot loads.
func (s *Stream) Run(ctx context.Context) error {
	b := s.opts.NewBackOff()
	b.Reset()

	for {
		conn, err := s.dial(ctx)
		if err == nil {
			var synced bool
			synced, err = s.follow(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			if synced {
				b.Reset()
			}
			s.logger.Warn().Err(err).Msg("stream interrupted, reconnecting")
		} else if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("connect %s: %w", s.url, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		s.logger.Debug().Err(err).Str("url", s.url).Msg("dial failed")
		return nil, err
	}
	return conn, nil
}

// follow reads one connection until it fails. It reports whether a snapshot
// was loaded from it. Any frame, pings included, extends the read deadline,
// so a server that vanishes without closing the socket is noticed after
// ReadTimeout.
func (s *Stream) follow(ctx context.Context, conn *websocket.Conn) (bool, error) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	}
	conn.SetPingHandler(func(data string) error {
		if err := extend(); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})

	synced := false
	for {
		if err := extend(); err != nil {
			return synced, err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return synced, err
		}

		msg, err := events.Decode(raw)
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping undecodable message")
			continue
		}

		if msg.IsSync {
			s.view.Load(msg.Snapshot)
			s.connects.Add(1)
			s.logger.Info().Int("cameras", len(msg.Snapshot)).Msg("view synced")
			s.notify(Update{Resynced: true})
			synced = true
			continue
		}
		if !synced {
			return false, errors.New("event received before snapshot")
		}

		change := s.view.Apply(msg.Event)
		s.notify(Update{Event: msg.Event, Change: change})
	}
}

func (s *Stream) notify(u Update) {
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate(u)
	}
}
