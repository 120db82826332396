// Package mqttbroker is a small embedded MQTT 3.1.1 broker. Devices publish
// telemetry and alerts to it; the server mirrors camera events back out.
// QoS 0 and inbound QoS 1 are supported; retained messages and sessions are not.
package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Message is a publish received from a client.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish.
type Handler func(context.Context, Message)

const maxPacketSize = 256 * 1024

type client struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	id      string
	closed  atomic.Bool

	subMu   sync.RWMutex
	filters map[string]struct{}
}

func newClient(conn net.Conn) *client {
	return &client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		filters: make(map[string]struct{}),
	}
}

func (c *client) matches(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for f := range c.filters {
		if MatchTopic(f, topic) {
			return true
		}
	}
	return false
}

func (c *client) subscribe(filter string) {
	c.subMu.Lock()
	c.filters[filter] = struct{}{}
	c.subMu.Unlock()
}

func (c *client) unsubscribe(filter string) {
	c.subMu.Lock()
	delete(c.filters, filter)
	c.subMu.Unlock()
}

func (c *client) write(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write(packet)
	return err
}

// Broker accepts MQTT clients and routes their publishes.
type Broker struct {
	logger       zerolog.Logger
	listener     net.Listener
	handler      atomic.Value // stores Handler
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger zerolog.Logger) *Broker {
	b := &Broker{
		logger:  logger.With().Str("component", "mqtt").Logger(),
		clients: make(map[*client]struct{}),
	}
	b.handler.Store(Handler(func(context.Context, Message) {}))
	return b
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, Message) {}
	}
	b.handler.Store(h)
}

// Start begins listening on bind. The returned channel is closed once the
// accept loop terminates; a fatal accept error is sent on it first.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info().Str("addr", ln.Addr().String()).Msg("mqtt broker listening")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn().Err(err).Msg("accept timeout")
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			c := newClient(conn)
			b.addClient(c)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(c)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener and every client connection, then waits for
// their goroutines to exit.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for c := range b.clients {
		c.closed.Store(true)
		_ = c.conn.Close()
	}
	b.clients = make(map[*client]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// Publish sends a QoS 0 message to every client whose filters match topic.
func (b *Broker) Publish(topic string, payload []byte) error {
	packet, err := encodePublish(topic, payload)
	if err != nil {
		return err
	}
	b.route(topic, packet, nil)
	return nil
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

func (b *Broker) addClient(c *client) {
	b.clientsMu.Lock()
	b.clients[c] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(c *client) {
	b.clientsMu.Lock()
	delete(b.clients, c)
	b.clientsMu.Unlock()
}

func (b *Broker) route(topic string, packet []byte, exclude *client) {
	b.clientsMu.RLock()
	targets := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		if c != exclude && c.matches(topic) {
			targets = append(targets, c)
		}
	}
	b.clientsMu.RUnlock()

	for _, c := range targets {
		if err := c.write(packet); err != nil {
			b.logger.Debug().Err(err).Str("client", c.id).Str("topic", topic).Msg("forward publish failed")
		}
	}
}

func (b *Broker) serve(c *client) {
	defer func() {
		c.closed.Store(true)
		b.removeClient(c)
		_ = c.conn.Close()
		b.logger.Debug().Str("client", c.id).Msg("mqtt client disconnected")
	}()

	ctx := context.Background()
	connected := false

	for {
		header, raw, err := readPacket(c.reader, maxPacketSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug().Err(err).Str("client", c.id).Msg("read packet failed")
			}
			return
		}

		kind := header >> 4
		if !connected && kind != packetConnect {
			b.logger.Debug().Uint8("type", kind).Msg("packet before CONNECT")
			return
		}

		switch kind {
		case packetConnect:
			if connected {
				b.logger.Debug().Str("client", c.id).Msg("duplicate CONNECT")
				return
			}
			if err := b.handleConnect(c, raw); err != nil {
				b.logger.Debug().Err(err).Msg("connect rejected")
				return
			}
			connected = true
		case packetPublish:
			msg, err := decodePublish(header, raw)
			if err != nil {
				b.logger.Debug().Err(err).Str("client", c.id).Msg("bad publish")
				return
			}
			if msg.qos == 1 {
				if err := c.write(encodeAck(packetPubAck, msg.packetID)); err != nil {
					return
				}
			}
			if h, ok := b.handler.Load().(Handler); ok {
				b.invoke(ctx, h, Message{ClientID: c.id, Topic: msg.topic, Payload: msg.payload})
			}
			if packet, err := encodePublish(msg.topic, msg.payload); err == nil {
				b.route(msg.topic, packet, c)
			}
		case packetSubscribe:
			if err := b.handleSubscribe(c, raw); err != nil {
				b.logger.Debug().Err(err).Str("client", c.id).Msg("subscribe rejected")
				return
			}
		case packetUnsubscribe:
			if err := b.handleUnsubscribe(c, raw); err != nil {
				b.logger.Debug().Err(err).Str("client", c.id).Msg("unsubscribe rejected")
				return
			}
		case packetPingReq:
			if err := c.write([]byte{fixedHeader(packetPingResp, 0), 0x00}); err != nil {
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug().Uint8("type", kind).Msg("unsupported packet")
			return
		}
	}
}

func (b *Broker) handleConnect(c *client, raw []byte) error {
	r := body(raw)

	proto, err := r.readString()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if proto != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", proto)
	}

	level, err := r.readByte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		_ = c.write([]byte{fixedHeader(packetConnAck, 0), 0x02, 0x00, 0x01})
		return fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := r.readByte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	// Will, username and password are not supported; clean session is implied.
	if flags&0xFC != 0 {
		return fmt.Errorf("unsupported connect flags %08b", flags)
	}

	if _, err := r.readUint16(); err != nil {
		return fmt.Errorf("read keepalive: %w", err)
	}

	id, err := r.readString()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if id == "" {
		id = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	c.id = id

	if err := c.write([]byte{fixedHeader(packetConnAck, 0), 0x02, 0x00, 0x00}); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}

	b.logger.Debug().Str("client", id).Msg("mqtt client connected")
	return nil
}

func (b *Broker) handleSubscribe(c *client, raw []byte) error {
	r := body(raw)

	packetID, err := r.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	var granted []byte
	for r.remaining() > 0 {
		filter, err := r.readString()
		if err != nil {
			return fmt.Errorf("read filter: %w", err)
		}
		if _, err := r.readByte(); err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if err := ValidFilter(filter); err != nil {
			granted = append(granted, 0x80)
			continue
		}
		c.subscribe(filter)
		// Everything is delivered at QoS 0 regardless of the requested level.
		granted = append(granted, 0x00)
	}
	if len(granted) == 0 {
		return errors.New("subscribe without filters")
	}

	packet, err := encodeSubAck(packetID, granted)
	if err != nil {
		return err
	}
	return c.write(packet)
}

func (b *Broker) handleUnsubscribe(c *client, raw []byte) error {
	r := body(raw)

	packetID, err := r.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for r.remaining() > 0 {
		filter, err := r.readString()
		if err != nil {
			return fmt.Errorf("read filter: %w", err)
		}
		c.unsubscribe(filter)
	}
	return c.write(encodeAck(packetUnsubAck, packetID))
}

func (b *Broker) invoke(ctx context.Context, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("topic", msg.Topic).Msg("publish handler panic")
		}
	}()
	h(ctx, msg)
}
