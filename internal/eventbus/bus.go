// Package eventbus fans task and account events out to in-process listeners.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TaskCreated     = "task.created"
	TaskItem        = "task.item"
	TaskFinished    = "task.finished"
	AccountsUpdated = "accounts.updated"
)

const defaultBuffer = 8

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus never blocks a publisher. A listener whose buffer is full misses the
// event; Dropped counts those misses across all listeners.
type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel of events. With types given only
	// those event types are delivered. cancel closes the channel.
	Subscribe(buffer int, types ...string) (ch <-chan Event, cancel func())
	Dropped() uint64
}

func New() Bus {
	return &bus{listeners: map[uint64]*listener{}}
}

type listener struct {
	ch    chan Event
	types []string
}

func (l *listener) wants(typ string) bool {
	return len(l.types) == 0 || slices.Contains(l.types, typ)
}

type bus struct {
	mu        sync.RWMutex
	listeners map[uint64]*listener
	nextID    uint64
	dropped   atomic.Uint64
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// cancel takes the write lock before closing, so sends here are safe.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		if !l.wants(e.Type) {
			continue
		}
		select {
		case l.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *bus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	l := &listener{ch: make(chan Event, buffer), types: slices.Clone(types)}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = l
	b.mu.Unlock()

	var once sync.Once
	return l.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			close(l.ch)
		})
	}
}

func (b *bus) Dropped() uint64 { return b.dropped.Load() }
