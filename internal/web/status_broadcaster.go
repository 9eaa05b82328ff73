package web

import (
	"sync"

	"followme/internal/control"
)

// StatusBroadcaster fans status samples out to websocket subscribers. It
// keeps the most recent value so new subscribers get an immediate sample.
// Slow subscribers drop samples rather than block the publisher.
type StatusBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan control.Status
	nextID   int
	last     control.Status
	haveLast bool
}

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{subs: make(map[int]chan control.Status)}
}

func (b *StatusBroadcaster) Subscribe(buffer int) (int, <-chan control.Status) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan control.Status, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last := b.last
	have := b.haveLast
	b.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (b *StatusBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *StatusBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *StatusBroadcaster) Publish(st control.Status) {
	if b == nil {
		return
	}
	// Send under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- st:
		default:
		}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	b.last = st
	b.haveLast = true
	b.mu.Unlock()
}
