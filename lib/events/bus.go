// Package events delivers domain lifecycle events to subscribers
// asynchronously from the goroutine that raised them.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/onkernel/domaind/lib/logger"
)

// Kind is the type of lifecycle event.
type Kind string

const (
	KindDefined   Kind = "defined"
	KindUndefined Kind = "undefined"
	KindStarted   Kind = "started"
	KindSuspended Kind = "suspended"
	KindResumed   Kind = "resumed"
	KindShutdown  Kind = "shutdown" // graceful shutdown requested
	KindStopped   Kind = "stopped"
)

// Event describes one domain state change. Detail carries the state reason
// or the sub-kind ("updated", "added").
type Event struct {
	UUID      uuid.UUID
	Name      string
	ID        int
	Kind      Kind
	Detail    string
	Timestamp time.Time
}

// Publisher accepts events. Publish must not block.
type Publisher interface {
	Publish(ev Event)
}

// Bus queues published events and fans them out to subscribers from Run.
// Publish never blocks: when the queue is full the event is dropped and
// counted. Subscribers that fall behind lose events the same way.
type Bus struct {
	queue chan Event

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int

	published atomic.Int64
	dropped   atomic.Int64
}

var _ Publisher = (*Bus)(nil)

// NewBus returns a bus with a queue of size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 1
	}
	return &Bus{
		queue: make(chan Event, size),
		subs:  make(map[int]chan Event),
	}
}

// Publish queues ev for delivery.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.queue <- ev:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
	}
}

// Subscribe returns a channel receiving every event delivered after the
// call, and a function that cancels the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Run delivers queued events until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "event bus started", "queue_size", cap(b.queue))

	for {
		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "event bus stopped", "published", b.published.Load(), "dropped", b.dropped.Load())
			return nil
		case ev := <-b.queue:
			b.deliver(ev)
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		// Non-blocking send - drop if subscriber is full
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Published returns how many events were accepted by Publish.
func (b *Bus) Published() int64 {
	return b.published.Load()
}

// Dropped returns how many events were lost to full queues.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Pending returns the number of queued, undelivered events.
func (b *Bus) Pending() int {
	return len(b.queue)
}
