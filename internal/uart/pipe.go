package uart

import (
	"sync"
	"time"
)

// Pipe is an in-memory Port. Bytes passed to Inject are returned by Read;
// bytes written by the transport are collected and optionally passed to a
// hook, which lets tests and simulators play the receiver side.
type Pipe struct {
	rx     chan []byte
	faults chan Fault
	closed chan struct{}
	once   sync.Once

	idle time.Duration

	mu       sync.Mutex
	pending  []byte
	written  []byte
	onWrite  func(p []byte)
	stall    chan struct{}
	baud     int
	resetIn  int
	resetOut int
}

func NewPipe(baud int) *Pipe {
	return &Pipe{
		rx:     make(chan []byte, 256),
		faults: make(chan Fault, 16),
		closed: make(chan struct{}),
		idle:   20 * time.Millisecond,
		baud:   baud,
	}
}

// Inject queues bytes for the receive side.
func (p *Pipe) Inject(b []byte) {
	cp := append([]byte(nil), b...)
	select {
	case p.rx <- cp:
	case <-p.closed:
	}
}

// InjectFault makes the next Read report a line fault.
func (p *Pipe) InjectFault(f Fault) {
	select {
	case p.faults <- f:
	case <-p.closed:
	}
}

// OnWrite installs a hook called with every chunk the transport writes.
func (p *Pipe) OnWrite(fn func(b []byte)) {
	p.mu.Lock()
	p.onWrite = fn
	p.mu.Unlock()
}

// Stall makes writes block until Stall(false) or Close.
func (p *Pipe) Stall(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case on && p.stall == nil:
		p.stall = make(chan struct{})
	case !on && p.stall != nil:
		close(p.stall)
		p.stall = nil
	}
}

// Written returns a copy of everything written so far.
func (p *Pipe) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}

// TakeWritten returns and clears the write log.
func (p *Pipe) TakeWritten() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.written
	p.written = nil
	return out
}

func (p *Pipe) Baud() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baud
}

// Resets reports how often the input and output were flushed.
func (p *Pipe) Resets() (in, out int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetIn, p.resetOut
}

func (p *Pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.idle)
	defer timer.Stop()
	select {
	case f := <-p.faults:
		return 0, &FaultError{Faults: []Fault{f}}
	case chunk := <-p.rx:
		n := copy(b, chunk)
		if n < len(chunk) {
			p.mu.Lock()
			p.pending = append(p.pending, chunk[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	case <-p.closed:
		return 0, ErrClosed
	case <-timer.C:
		return 0, nil
	}
}

func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	stall := p.stall
	p.mu.Unlock()
	if stall != nil {
		select {
		case <-stall:
		case <-p.closed:
			return 0, ErrClosed
		}
	}
	select {
	case <-p.closed:
		return 0, ErrClosed
	default:
	}

	cp := append([]byte(nil), b...)
	p.mu.Lock()
	p.written = append(p.written, cp...)
	hook := p.onWrite
	p.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return len(b), nil
}

func (p *Pipe) SetBaud(baud int) error {
	p.mu.Lock()
	p.baud = baud
	p.mu.Unlock()
	return nil
}

// ResetInput drops injected bytes that have not been read yet.
func (p *Pipe) ResetInput() error {
	p.mu.Lock()
	p.pending = nil
	p.resetIn++
	p.mu.Unlock()
	for {
		select {
		case <-p.rx:
		default:
			return nil
		}
	}
}

func (p *Pipe) ResetOutput() error {
	p.mu.Lock()
	p.resetOut++
	p.mu.Unlock()
	return nil
}

func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
