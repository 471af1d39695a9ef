// Package eventbus decouples the moderation pipeline from observers
// (dashboards, log sinks, notification workers) with an in-memory fanout.
package eventbus

import (
	"sync"
	"sync/atomic"

	"warden/internal/storage"
)

// Event types published by the dispatcher.
const (
	TypeAction = "moderation.action"
	TypeRevoke = "moderation.revoke"
	TypeExpire = "moderation.expire"
)

// Event carries one audit entry to observers. The entry's At timestamp is
// the event time.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers may drop events (bounded backpressure).
//
// The pipeline's correctness never depends on delivery: the audit trail in
// storage is the durable record, the bus is advisory.
type Event struct {
	Type  string
	Entry storage.AuditEntry
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	// Snapshot subscribers so Publish doesn't hold the lock during sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a full subscriber loses the event. A
		// concurrent unsubscribe closes the channel, so recover from the
		// send panic instead of coordinating with Subscribe.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
