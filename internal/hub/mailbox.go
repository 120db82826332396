package hub

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Sanekng/FireGuard/internal/events"
)

var (
	// ErrSubscriberGone is returned when delivering to a closed subscriber.
	ErrSubscriberGone = errors.New("subscriber detached")
	// ErrSlowSubscriber is returned when a subscriber's queue is full.
	ErrSlowSubscriber = errors.New("subscriber queue full")
)

// Mailbox is a bounded, non-blocking event queue owned by one subscriber.
// Deliver never blocks; the owner drains Events until Done is closed.
type Mailbox struct {
	id     string
	ch     chan events.Event
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

// NewMailbox creates a mailbox that holds up to size undelivered events.
func NewMailbox(id string, size int) *Mailbox {
	if size <= 0 {
		size = 1
	}
	return &Mailbox{
		id:   id,
		ch:   make(chan events.Event, size),
		done: make(chan struct{}),
	}
}

// ID identifies the subscriber in logs.
func (m *Mailbox) ID() string { return m.id }

// Deliver enqueues ev or reports why it could not.
func (m *Mailbox) Deliver(ev events.Event) error {
	if m.closed.Load() {
		return ErrSubscriberGone
	}
	select {
	case m.ch <- ev:
		return nil
	case <-m.done:
		return ErrSubscriberGone
	default:
		return ErrSlowSubscriber
	}
}

// Events is the queue the owner drains.
func (m *Mailbox) Events() <-chan events.Event { return m.ch }

// Done is closed once the mailbox is closed.
func (m *Mailbox) Done() <-chan struct{} { return m.done }

// Close stops further deliveries. It is safe to call more than once.
func (m *Mailbox) Close() {
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.done)
	})
}

// Closed reports whether Close has been called.
func (m *Mailbox) Closed() bool { return m.closed.Load() }
