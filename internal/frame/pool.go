package frame

import (
	"context"
	"sync/atomic"
)

const (
	// BufferSize is the capacity of one frame buffer. An NMEA sentence is at
	// most 82 characters including "$" and "\r\n".
	BufferSize = 83
	// PoolSize is the number of frame buffers shared between the receive path
	// and the consumer.
	PoolSize = 4
	// QueueDepth bounds the number of completed frames waiting for the consumer.
	QueueDepth = 4
)

// Handle identifies one buffer slot in a Pool.
type Handle uint8

// Kind tells the consumer how a completed frame was assembled.
type Kind uint8

const (
	KindASCII Kind = iota
	KindBinary
)

func (k Kind) String() string {
	if k == KindBinary {
		return "binary"
	}
	return "ascii"
}

// Slot ownership. A slot moves free -> filling (receive path) -> queued ->
// processing (consumer) -> free. Every transition is a compare-and-swap so a
// slot can never be owned by two sides at once.
const (
	slotFree uint32 = iota
	slotFilling
	slotQueued
	slotProcessing
)

type slot struct {
	state atomic.Uint32
	kind  Kind
	n     int
	data  [BufferSize]byte
}

// Frame is a completed frame handed to the consumer. Data aliases the pool
// slot and is only valid until Release.
type Frame struct {
	Handle Handle
	Kind   Kind
	Data   []byte
}

// Pool is a fixed set of frame buffers plus the single-producer /
// single-consumer queue that carries completed buffers by handle.
type Pool struct {
	slots [PoolSize]slot
	queue chan Handle
}

func NewPool() *Pool {
	return &Pool{queue: make(chan Handle, QueueDepth)}
}

// claim takes the first idle slot. It never blocks.
func (p *Pool) claim() (Handle, bool) {
	for i := range p.slots {
		s := &p.slots[i]
		if s.state.CompareAndSwap(slotFree, slotFilling) {
			s.n = 0
			return Handle(i), true
		}
	}
	return 0, false
}

// discard returns a slot that is still being filled.
func (p *Pool) discard(h Handle) {
	s := &p.slots[h]
	s.n = 0
	s.state.CompareAndSwap(slotFilling, slotFree)
}

// enqueue publishes a filled slot. When the queue is full the slot is freed
// again and false is returned; the frame is lost.
func (p *Pool) enqueue(h Handle, kind Kind) bool {
	s := &p.slots[h]
	s.kind = kind
	if !s.state.CompareAndSwap(slotFilling, slotQueued) {
		return false
	}
	select {
	case p.queue <- h:
		return true
	default:
		s.n = 0
		s.state.Store(slotFree)
		return false
	}
}

// Next blocks until a frame is queued or ctx is done.
func (p *Pool) Next(ctx context.Context) (Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case h := <-p.queue:
			s := &p.slots[h]
			if !s.state.CompareAndSwap(slotQueued, slotProcessing) {
				continue
			}
			return Frame{Handle: h, Kind: s.kind, Data: s.data[:s.n]}, nil
		}
	}
}

// Release hands a processed frame back to the pool. Releasing twice is a no-op.
func (p *Pool) Release(h Handle) {
	if int(h) >= len(p.slots) {
		return
	}
	s := &p.slots[h]
	if s.state.Load() != slotProcessing {
		return
	}
	s.n = 0
	s.state.CompareAndSwap(slotProcessing, slotFree)
}

// Free reports how many slots are idle.
func (p *Pool) Free() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].state.Load() == slotFree {
			n++
		}
	}
	return n
}

// Queued reports how many completed frames wait for the consumer.
func (p *Pool) Queued() int { return len(p.queue) }
