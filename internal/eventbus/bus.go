// Package eventbus fans cycle and notification signals out to in-process
// observers (status endpoint, metrics, logs) without coupling them to the
// cycle runner.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the cycle runner.
const (
	CycleStarted        = "cycle.started"
	CycleFinished       = "cycle.finished"
	AnimalNotified      = "animal.notified"
	AnimalPublishFailed = "animal.publish_failed"
	AnimalDelisted      = "animal.delisted"
	ConfigReloaded      = "config.reloaded"
	SnapshotImplausible = "snapshot.implausible"
)

// Event is a small in-memory signal.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers use buffered channels and may drop events when slow.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// CycleData is the payload of CycleStarted and CycleFinished.
type CycleData struct {
	CycleID string
	Status  string
	Stage   string
	Err     string
}

// AnimalData is the payload of the animal.* events.
type AnimalData struct {
	CycleID  string
	Key      string
	Reason   string
	Attempts int
	Err      string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
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
			// Holding the write lock means no Publish is mid-send on ch.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
