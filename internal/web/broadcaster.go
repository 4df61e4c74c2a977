package web

import (
	"sync"

	"railgnss/internal/gnss"
)

// Broadcaster fans fix snapshots out to websocket clients. It keeps the most
// recent value so new subscribers get an immediate sample.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan gnss.Snapshot
	nextID   int
	last     gnss.Snapshot
	haveLast bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan gnss.Snapshot)}
}

// Attach publishes every new fix.
func (b *Broadcaster) Attach(reg *gnss.Registry) error {
	return reg.Register(gnss.EventNewFix, "web", func(ev gnss.Event) error {
		b.Publish(ev.Snapshot)
		return nil
	})
}

func (b *Broadcaster) Subscribe(buffer int) (int, <-chan gnss.Snapshot) {
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan gnss.Snapshot, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last, have := b.last, b.haveLast
	b.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish never blocks; a slow subscriber misses samples.
func (b *Broadcaster) Publish(snap gnss.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = snap
	b.haveLast = true
	for _, ch := range b.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
