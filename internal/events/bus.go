// Package events 是进程内的变更通知总线，供 WebSocket 与终端面板订阅。
// Package events is the in-process change notification bus consumed by
// the WebSocket feed and the terminal dashboard.
package events

import (
	"sync"
	"time"
)

type Kind string

const (
	KindMetrics  Kind = "metrics"
	KindSettings Kind = "settings"
	KindTask     Kind = "task"
	KindSync     Kind = "sync"
	KindConflict Kind = "conflict"
	KindModel    Kind = "model"
)

// Event is one notification. Data is JSON-serializable.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Bus fans events out to subscribers. Slow subscribers lose events
// instead of blocking publishers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered channel and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber without blocking. A nil Bus is
// a no-op so components can run without one.
func (b *Bus) Publish(kind Kind, data any) {
	if b == nil {
		return
	}
	ev := Event{Kind: kind, At: time.Now().UTC(), Data: data}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
