// Package frame turns the raw receive byte stream of the GNSS UART into
// complete frames: ASCII NMEA sentences or MTK binary packets.
//
// The Assembler runs on the receive path. It never blocks, never allocates
// and never logs; every fault is only counted. Completed frames are handed to
// the consumer through the Pool queue by handle.
package frame

import (
	"sync"
	"sync/atomic"
)

// Mode selects which frame family the Assembler recognizes.
type Mode uint8

const (
	ModeASCII Mode = iota
	ModeBinary
)

func (m Mode) String() string {
	if m == ModeBinary {
		return "binary"
	}
	return "ascii"
}

// State is the position of the Assembler in the current frame.
type State uint8

const (
	StateSearchStart State = iota
	StateCollecting

	StateHeader04
	StateHeader24
	StateSizeLow
	StateSizeHigh
	StatePayload
)

func (s State) String() string {
	switch s {
	case StateSearchStart:
		return "search_start"
	case StateCollecting:
		return "collecting"
	case StateHeader04:
		return "header_04"
	case StateHeader24:
		return "header_24"
	case StateSizeLow:
		return "size_low"
	case StateSizeHigh:
		return "size_high"
	case StatePayload:
		return "payload"
	default:
		return "unknown"
	}
}

const (
	binaryMarker0 = 0x04
	binaryMarker1 = 0x24

	binaryHeaderLen = 4

	// AcceptedBinaryType is the only binary packet type forwarded to the
	// consumer (EPO transfer acknowledgment).
	AcceptedBinaryType = 0x0002
)

// Stats are cumulative fault and throughput counters.
type Stats struct {
	Frames         uint64 `json:"frames"`
	Overflows      uint64 `json:"overflows"`
	Malformed      uint64 `json:"malformed"`
	NoBuffer       uint64 `json:"no_buffer"`
	QueueFull      uint64 `json:"queue_full"`
	BinaryRejected uint64 `json:"binary_rejected"`
	Resets         uint64 `json:"resets"`
}

type counters struct {
	frames         atomic.Uint64
	overflows      atomic.Uint64
	malformed      atomic.Uint64
	noBuffer       atomic.Uint64
	queueFull      atomic.Uint64
	binaryRejected atomic.Uint64
	resets         atomic.Uint64
}

// Assembler is the byte-at-a-time frame state machine.
type Assembler struct {
	pool *Pool

	// mu is held for the duration of one Feed chunk or one mode switch. It
	// only stands in for the interrupt-disable section of a mode change and
	// is never held across anything that can block.
	mu        sync.Mutex
	mode      Mode
	state     State
	cur       Handle
	active    bool
	remaining int

	stats counters
}

func NewAssembler(pool *Pool) *Assembler {
	return &Assembler{pool: pool, mode: ModeASCII, state: StateSearchStart}
}

// Pool returns the buffer pool completed frames are queued on.
func (a *Assembler) Pool() *Pool { return a.pool }

// Feed consumes received bytes.
func (a *Assembler) Feed(p []byte) {
	a.mu.Lock()
	for _, b := range p {
		if a.mode == ModeBinary {
			a.feedBinary(b)
		} else {
			a.feedASCII(b)
		}
	}
	a.mu.Unlock()
}

// Reset drops any frame in progress and restarts the configured mode. It is
// called on receive line faults.
func (a *Assembler) Reset() {
	a.mu.Lock()
	a.restartLocked()
	a.mu.Unlock()
	a.stats.resets.Add(1)
}

// SetMode switches between ASCII and binary framing, discarding any frame in
// progress.
func (a *Assembler) SetMode(m Mode) {
	a.mu.Lock()
	a.mode = m
	a.restartLocked()
	a.mu.Unlock()
	a.stats.resets.Add(1)
}

func (a *Assembler) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Assembler) Stats() Stats {
	return Stats{
		Frames:         a.stats.frames.Load(),
		Overflows:      a.stats.overflows.Load(),
		Malformed:      a.stats.malformed.Load(),
		NoBuffer:       a.stats.noBuffer.Load(),
		QueueFull:      a.stats.queueFull.Load(),
		BinaryRejected: a.stats.binaryRejected.Load(),
		Resets:         a.stats.resets.Load(),
	}
}

func (a *Assembler) restartLocked() {
	if a.active {
		a.pool.discard(a.cur)
		a.active = false
	}
	a.remaining = 0
	if a.mode == ModeBinary {
		a.state = StateHeader04
	} else {
		a.state = StateSearchStart
	}
}

func (a *Assembler) slot() *slot { return &a.pool.slots[a.cur] }

// store appends b to the active buffer. It reports false when the buffer is
// already full.
func (a *Assembler) store(b byte) bool {
	s := a.slot()
	if s.n >= BufferSize {
		return false
	}
	s.data[s.n] = b
	s.n++
	return true
}

func (a *Assembler) overflow() {
	a.stats.overflows.Add(1)
	a.restartLocked()
}

func (a *Assembler) complete(kind Kind) {
	if a.pool.enqueue(a.cur, kind) {
		a.stats.frames.Add(1)
	} else {
		a.stats.queueFull.Add(1)
	}
	a.active = false
	a.restartLocked()
}

func (a *Assembler) feedASCII(b byte) {
	switch a.state {
	case StateSearchStart:
		if b != '$' {
			return
		}
		h, ok := a.pool.claim()
		if !ok {
			a.stats.noBuffer.Add(1)
			return
		}
		a.cur, a.active = h, true
		a.store(b)
		a.state = StateCollecting

	case StateCollecting:
		if !a.store(b) {
			a.overflow()
			return
		}
		if b != '\n' {
			return
		}
		// Shortest valid frame is "$*CC\r\n"; '*' sits four bytes before '\n'.
		s := a.slot()
		if s.n < 6 || s.data[s.n-5] != '*' {
			a.stats.malformed.Add(1)
			a.restartLocked()
			return
		}
		a.complete(KindASCII)

	default:
		a.restartLocked()
	}
}

func (a *Assembler) feedBinary(b byte) {
	switch a.state {
	case StateHeader04:
		if b == binaryMarker0 {
			a.state = StateHeader24
		}

	case StateHeader24:
		switch b {
		case binaryMarker1:
			h, ok := a.pool.claim()
			if !ok {
				a.stats.noBuffer.Add(1)
				a.state = StateHeader04
				return
			}
			a.cur, a.active = h, true
			a.store(binaryMarker0)
			a.store(binaryMarker1)
			a.state = StateSizeLow
		case binaryMarker0:
			// Repeated first marker byte; keep waiting for 0x24.
		default:
			a.state = StateHeader04
		}

	case StateSizeLow:
		a.store(b)
		a.remaining = int(b)
		a.state = StateSizeHigh

	case StateSizeHigh:
		a.store(b)
		size := a.remaining | int(b)<<8
		// The declared size covers the 4 header bytes and at least a type field.
		if size < binaryHeaderLen+2 {
			a.stats.malformed.Add(1)
			a.restartLocked()
			return
		}
		a.remaining = size - binaryHeaderLen
		a.state = StatePayload

	case StatePayload:
		if !a.store(b) {
			a.overflow()
			return
		}
		a.remaining--
		s := a.slot()
		if s.n == binaryHeaderLen+2 {
			typ := uint16(s.data[4]) | uint16(s.data[5])<<8
			if typ != AcceptedBinaryType {
				a.stats.binaryRejected.Add(1)
				a.restartLocked()
				return
			}
		}
		if a.remaining == 0 {
			a.complete(KindBinary)
		}

	default:
		a.restartLocked()
	}
}
