// Package events is a small typed publish/subscribe bus. Every subscriber owns
// a bounded queue; events reach a subscriber in publish order, and a
// subscriber that falls behind loses new events instead of blocking the
// publisher.
package events

import (
	"sync"
	"sync/atomic"
)

const DefaultBuffer = 64

type Bus[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription[T]
	closed bool
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]*Subscription[T])}
}

type Subscription[T any] struct {
	bus     *Bus[T]
	id      uint64
	ch      chan T
	once    sync.Once
	dropped atomic.Int64
	onDrop  func(total int64)
}

// C returns the receive side of the subscription. It is closed on
// Unsubscribe or when the bus is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Dropped reports how many events were discarded because the queue was full.
func (s *Subscription[T]) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription[T]) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.close()
}

func (s *Subscription[T]) close() {
	s.once.Do(func() { close(s.ch) })
}

func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	return b.SubscribeNotify(buffer, nil)
}

// SubscribeNotify is Subscribe with a callback run on every dropped event,
// with the running drop count. It runs on the publisher's goroutine and must
// not block.
func (b *Bus[T]) SubscribeNotify(buffer int, onDrop func(total int64)) *Subscription[T] {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription[T]{bus: b, id: b.nextID, ch: make(chan T, buffer), onDrop: onDrop}
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers v to every subscriber without blocking and reports how
// many subscribers accepted it.
func (b *Bus[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, sub := range b.subs {
		select {
		case sub.ch <- v:
			delivered++
		default:
			total := sub.dropped.Add(1)
			if sub.onDrop != nil {
				sub.onDrop(total)
			}
		}
	}
	return delivered
}

func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Publishing afterwards is a no-op.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.close()
	}
}
