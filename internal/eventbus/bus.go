// Package eventbus is an in-memory, non-blocking fanout of delivery lifecycle events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeScheduled = "delivery.scheduled"
	TypeDelivered = "delivery.delivered"
	TypeFailed    = "delivery.failed"
	TypeCancelled = "delivery.cancelled"
	// TypeSkipped means a wake-up found its record already gone.
	TypeSkipped = "delivery.skipped"
)

// Event is a small in-memory signal.
//
// Publish never blocks. Slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Delivery is the Data payload of every delivery.* event.
type Delivery struct {
	ID          string
	RecipientID int64
	Kind        string
	DueAt       time.Time
	Err         string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Send under the read lock so unsubscribe (write lock) cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
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
			close(ch)
		})
	}
	return ch, unsub
}
