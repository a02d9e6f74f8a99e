package sync

import "sync"

// subscriber channels are buffered; a slow consumer drops the oldest
// updates rather than stalling the sync worker.
const busBuffer = 64

// bus fans values out to subscribers.
type bus[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

func newBus[T any]() *bus[T] {
	return &bus[T]{subs: make(map[int]chan T)}
}

// Subscribe returns a receive channel and a cancel function. Cancel
// closes the channel.
func (b *bus[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan T, busBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers v to every subscriber without blocking.
func (b *bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			// Drop the oldest buffered value to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// targetLocks is a per-(type,id) writer lock set. The lock is held only
// for the local apply step, never across a network wait.
type targetLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTargetLocks() *targetLocks {
	return &targetLocks{locks: make(map[string]*sync.Mutex)}
}

func (t *targetLocks) get(key string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	t.locks[key] = l
	return l
}

// Lock acquires the writer lock for a target key, returning the unlock.
func (t *targetLocks) Lock(key string) func() {
	l := t.get(key)
	l.Lock()
	return l.Unlock
}
