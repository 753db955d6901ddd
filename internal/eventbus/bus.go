package eventbus

import (
	"sync"
	"sync/atomic"
)

// Bus fans values out to subscribers without blocking the publisher.
// Subscribers get buffered channels; a full buffer drops the value for that
// subscriber and counts it.
type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]chan T
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func New[T any]() *Bus[T] {
	return &Bus[T]{subs: map[uint64]chan T{}}
}

// Publish delivers v to every subscriber with room in its buffer.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel and a func that closes it. buffer <= 0
// means 8.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan T, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped counts values lost to full subscriber buffers.
func (b *Bus[T]) Dropped() uint64 { return b.dropped.Load() }
