// Package event provides a minimal, generic publish-subscribe primitive
// shared by the circuit breaker and rate limiter policies. Publishing never
// blocks the reporter; a slow subscriber only ever loses its own events.
package event

import (
	"sync"
	"sync/atomic"
)

// mailboxSize bounds the number of buffered-but-undelivered events kept per
// subscriber before the oldest is dropped to make room for the newest.
const mailboxSize = 64

// Bus fans out values of type T to zero or more subscribers. The zero value
// is not usable; construct with NewBus.
type Bus[T any] struct {
	mu      sync.Mutex
	subs    map[int]*subscriber[T]
	next    int
	dropped uint64

	// DroppedHandler, if set, is invoked (outside the bus lock) whenever a
	// subscriber's mailbox overflows and an event is discarded for it.
	droppedHandler func(dropped T)
}

type subscriber[T any] struct {
	mailbox chan T
	quit    chan struct{}
}

// NewBus creates an empty event bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]*subscriber[T])}
}

// OnDropped registers a callback invoked whenever a subscriber's mailbox is
// full and an event is dropped for it. Not itself a subscription.
func (b *Bus[T]) OnDropped(fn func(dropped T)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.droppedHandler = fn
}

// Subscription represents one registered listener. Unsubscribe is
// idempotent and safe to call concurrently with Publish.
type Subscription struct {
	unsubscribe func()
}

// Unsubscribe stops delivery to this subscriber. Safe to call more than
// once, and safe to call from the subscriber's own callback.
func (s Subscription) Unsubscribe() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Subscribe registers fn to be called for every subsequent Publish, in
// emission order, on a dedicated goroutine per subscriber. Past events are
// not replayed.
func (b *Bus[T]) Subscribe(fn func(T)) Subscription {
	sub := &subscriber[T]{
		mailbox: make(chan T, mailboxSize),
		quit:    make(chan struct{}),
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case v, ok := <-sub.mailbox:
				if !ok {
					return
				}
				fn(v)
			case <-sub.quit:
				return
			}
		}
	}()

	var once sync.Once
	return Subscription{unsubscribe: func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.quit)
		})
	}}
}

// Publish delivers v to every current subscriber without blocking the
// caller. If a subscriber's mailbox is full, the oldest undelivered event
// in that mailbox is dropped to make room for v, the bus's dropped counter
// is incremented, and the dropped handler (if any) is notified with the
// event that was discarded.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	subs := make([]*subscriber[T], 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	handler := b.droppedHandler
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.mailbox <- v:
			continue
		default:
		}

		// Mailbox full: evict the oldest queued event to make room, then
		// retry delivery of v. A concurrent Publish racing on the same
		// mailbox may fill the freed slot first; if so v itself is the one
		// dropped instead.
		dropped := v
		select {
		case dropped = <-s.mailbox:
		default:
		}

		select {
		case s.mailbox <- v:
		default:
			dropped = v
		}

		atomic.AddUint64(&b.dropped, 1)
		if handler != nil {
			handler(dropped)
		}
	}
}

// DroppedCount reports the total number of events discarded across all
// subscribers due to mailbox overflow since the bus was created.
func (b *Bus[T]) DroppedCount() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// SubscriberCount reports the number of currently registered subscribers.
// Intended for tests and diagnostics.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
