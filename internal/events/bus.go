// ABOUTME: In-process fan-out event bus with bounded, drop-oldest subscriber mailboxes
// ABOUTME: Carries task, presence and system events to connection forwarders

package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMailboxSize is the per-subscriber buffer capacity.
	DefaultMailboxSize = 256

	// defaultQueueSize bounds envelopes handed to PublishNowait that the
	// delivery goroutine has not fanned out yet.
	defaultQueueSize = 1024
)

// Envelope is a single routed event. Envelopes are never persisted.
type Envelope struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"ts"`
}

// Option configures a Bus.
type Option func(*Bus)

// WithMailboxSize sets the per-subscriber mailbox capacity.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

// WithQueueSize sets the capacity of the PublishNowait delivery queue.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// mailbox is a subscriber's bounded buffer. Its mutex serializes writers so
// the evict-then-send sequence in offer cannot interleave with another
// publisher; the reader drains the channel without taking the lock.
type mailbox struct {
	mu     sync.Mutex
	ch     chan Envelope
	closed bool
}

// offer enqueues env, evicting the oldest buffered envelopes until it fits.
// Returns the number of evicted envelopes.
func (m *mailbox) offer(env Envelope) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0
	}

	evicted := 0
	for {
		select {
		case m.ch <- env:
			return evicted
		default:
		}
		select {
		case <-m.ch:
			evicted++
		default:
		}
	}
}

// shut drains anything still buffered and closes the channel.
func (m *mailbox) shut() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for len(m.ch) > 0 {
		<-m.ch
	}
	close(m.ch)
}

// Bus is the single owner of the subscriber registry.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*mailbox
	mailboxSize int
	queueSize   int

	queue     chan Envelope
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Uint64
	logger  *slog.Logger
}

// New creates a bus and starts its delivery goroutine. Pass nil logger for
// default. Close must be called to stop the goroutine.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subscribers: make(map[string]*mailbox),
		mailboxSize: DefaultMailboxSize,
		queueSize:   defaultQueueSize,
		done:        make(chan struct{}),
		logger:      logger.With("component", "events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.queue = make(chan Envelope, b.queueSize)

	b.wg.Add(1)
	go b.deliver()
	return b
}

// Subscribe registers a new subscriber and returns its id and mailbox.
func (b *Bus) Subscribe() (string, <-chan Envelope) {
	id := uuid.New().String()
	mb := &mailbox{ch: make(chan Envelope, b.mailboxSize)}

	b.mu.Lock()
	b.subscribers[id] = mb
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", id)
	return id, mb.ch
}

// Unsubscribe removes the subscriber, discards its buffered envelopes and
// closes its channel. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	mb, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	mb.shut()
	b.logger.Debug("subscriber removed", "sub_id", id)
}

// Publish offers the event to every current subscriber before returning.
// Full mailboxes lose their oldest envelope; the publisher is never refused.
func (b *Bus) Publish(ctx context.Context, event string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.fanout(newEnvelope(event, data))
	return nil
}

// PublishNowait queues the event for asynchronous fan-out and returns
// immediately. Safe to call from any goroutine, including while holding
// locks that subscribers may need.
func (b *Bus) PublishNowait(event string, data map[string]any) {
	env := newEnvelope(event, data)
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.queue <- env:
	default:
		b.dropped.Add(1)
		b.logger.Debug("delivery queue full, event dropped", "event", event)
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many envelopes were lost to full mailboxes or a full
// delivery queue.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops delivery and closes every subscriber channel. Safe to call
// multiple times.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()

		b.mu.Lock()
		subs := b.subscribers
		b.subscribers = make(map[string]*mailbox)
		b.mu.Unlock()

		for _, mb := range subs {
			mb.shut()
		}
		b.logger.Debug("bus closed")
	})
}

func (b *Bus) deliver() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case env := <-b.queue:
			b.fanout(env)
		}
	}
}

func (b *Bus) fanout(env Envelope) {
	b.mu.RLock()
	targets := make([]*mailbox, 0, len(b.subscribers))
	for _, mb := range b.subscribers {
		targets = append(targets, mb)
	}
	b.mu.RUnlock()

	for _, mb := range targets {
		if n := mb.offer(env); n > 0 {
			b.dropped.Add(uint64(n))
			b.logger.Debug("mailbox full, evicted oldest", "event", env.Event, "evicted", n)
		}
	}
}

func newEnvelope(event string, data map[string]any) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{Event: event, Data: data, Timestamp: time.Now().UTC()}
}
