package uart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Receiver consumes received bytes on the receive goroutine. Reset is called
// after an rx line fault so that a partially assembled frame is dropped.
type Receiver interface {
	Feed(p []byte)
	Reset()
}

const (
	rxChunk = 64
	// txFIFO is how many bytes are handed to the port per refill, mirroring
	// the 16-byte hardware transmit FIFO.
	txFIFO = 16
)

// Stats are cumulative counters.
type Stats struct {
	Baud          int    `json:"baud"`
	RxBytes       uint64 `json:"rx_bytes"`
	TxBytes       uint64 `json:"tx_bytes"`
	ParityErrors  uint64 `json:"parity_errors"`
	FramingErrors uint64 `json:"framing_errors"`
	NoiseErrors   uint64 `json:"noise_errors"`
	OverrunErrors uint64 `json:"overrun_errors"`
	RxFIFOErrors  uint64 `json:"rx_fifo_errors"`
	TxFIFOErrors  uint64 `json:"tx_fifo_errors"`
	WriteTimeouts uint64 `json:"write_timeouts"`
	LastError     string `json:"last_error,omitempty"`
}

type counters struct {
	rxBytes       atomic.Uint64
	txBytes       atomic.Uint64
	faults        [FaultTxFIFO + 1]atomic.Uint64
	writeTimeouts atomic.Uint64
	lastErr       atomic.Value // string
}

// txRequest is one pending write. The transmit goroutine refills the port
// from buf until it is exhausted or abort is set, then closes done.
type txRequest struct {
	buf   []byte
	sent  atomic.Int64
	abort atomic.Bool
	err   error
	done  chan struct{}
}

// Transport owns a Port: one receive goroutine feeding a Receiver and one
// transmit goroutine serving timed writes.
type Transport struct {
	port Port
	rx   Receiver

	baud atomic.Int64

	// txMu serializes writers and baud changes.
	txMu sync.Mutex
	txq  chan *txRequest

	stats counters

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped chan struct{}
}

func NewTransport(port Port, baud int, rx Receiver) *Transport {
	t := &Transport{port: port, rx: rx, txq: make(chan *txRequest)}
	t.baud.Store(int64(baud))
	t.stats.lastErr.Store("")
	return t
}

// Start launches the receive and transmit goroutines.
func (t *Transport) Start(ctx context.Context) error {
	if t == nil {
		return fmt.Errorf("uart transport is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.stopped = make(chan struct{})

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.rxLoop(ctx)
	}()
	go func() {
		defer t.wg.Done()
		t.txLoop(ctx)
	}()
	go func() {
		<-ctx.Done()
		close(t.stopped)
	}()
	return nil
}

// Close stops both goroutines and closes the port.
func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := t.port.Close()
	t.wg.Wait()
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	return err
}

func (t *Transport) Baud() int { return int(t.baud.Load()) }

// Write transmits p and waits up to timeout for the last byte to be handed to
// the port. On timeout the write is aborted, pending output flushed and a
// *PartialWriteError carrying the transferred byte count returned.
func (t *Transport) Write(p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	stopped := t.stopped
	running := t.cancel != nil
	t.mu.Unlock()
	if !running {
		return 0, ErrNotStarted
	}

	t.txMu.Lock()
	defer t.txMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	req := &txRequest{buf: p, done: make(chan struct{})}
	select {
	case t.txq <- req:
	case <-timer.C:
		t.stats.writeTimeouts.Add(1)
		return 0, &PartialWriteError{Written: 0, Want: len(p)}
	case <-stopped:
		return 0, ErrClosed
	}

	select {
	case <-req.done:
		n := int(req.sent.Load())
		if req.err != nil {
			return n, req.err
		}
		return n, nil
	case <-timer.C:
		req.abort.Store(true)
		_ = t.port.ResetOutput()
		t.stats.writeTimeouts.Add(1)
		n := int(req.sent.Load())
		return n, &PartialWriteError{Written: n, Want: len(p)}
	case <-stopped:
		req.abort.Store(true)
		return int(req.sent.Load()), ErrClosed
	}
}

// SetBaud reconfigures the port. Both FIFOs are flushed and the receiver is
// reset since bytes straddling the change are garbage.
func (t *Transport) SetBaud(baud int) error {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	if err := t.port.SetBaud(baud); err != nil {
		return fmt.Errorf("uart set baud %d: %w", baud, err)
	}
	t.baud.Store(int64(baud))
	_ = t.port.ResetOutput()
	_ = t.port.ResetInput()
	t.rx.Reset()
	return nil
}

// Flush discards pending input and resets the receiver.
func (t *Transport) Flush() error {
	err := t.port.ResetInput()
	t.rx.Reset()
	return err
}

func (t *Transport) Stats() Stats {
	s := Stats{
		Baud:          t.Baud(),
		RxBytes:       t.stats.rxBytes.Load(),
		TxBytes:       t.stats.txBytes.Load(),
		ParityErrors:  t.stats.faults[FaultParity].Load(),
		FramingErrors: t.stats.faults[FaultFraming].Load(),
		NoiseErrors:   t.stats.faults[FaultNoise].Load(),
		OverrunErrors: t.stats.faults[FaultOverrun].Load(),
		RxFIFOErrors:  t.stats.faults[FaultRxFIFO].Load(),
		TxFIFOErrors:  t.stats.faults[FaultTxFIFO].Load(),
		WriteTimeouts: t.stats.writeTimeouts.Load(),
	}
	if v, ok := t.stats.lastErr.Load().(string); ok {
		s.LastError = v
	}
	return s
}

func (t *Transport) rxLoop(ctx context.Context) {
	var buf [rxChunk]byte
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := t.port.Read(buf[:])
		if n > 0 {
			t.stats.rxBytes.Add(uint64(n))
		}
		if err != nil {
			var fe *FaultError
			if errors.As(err, &fe) {
				t.handleFault(fe)
				continue
			}
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			t.stats.lastErr.Store(err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if n > 0 {
			t.rx.Feed(buf[:n])
		}
	}
}

// handleFault clears a line fault: rx faults flush the input and reset the
// receiver, tx faults flush the output only.
func (t *Transport) handleFault(fe *FaultError) {
	rx := false
	for _, f := range fe.Faults {
		if int(f) < len(t.stats.faults) {
			t.stats.faults[f].Add(1)
		}
		if f.Rx() {
			rx = true
		} else {
			_ = t.port.ResetOutput()
		}
	}
	if rx {
		_ = t.port.ResetInput()
		t.rx.Reset()
	}
}

func (t *Transport) txLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-t.txq:
			t.transmit(req)
		}
	}
}

func (t *Transport) transmit(req *txRequest) {
	defer close(req.done)
	buf := req.buf
	for len(buf) > 0 && !req.abort.Load() {
		chunk := buf
		if len(chunk) > txFIFO {
			chunk = chunk[:txFIFO]
		}
		n, err := t.port.Write(chunk)
		if n > 0 {
			req.sent.Add(int64(n))
			t.stats.txBytes.Add(uint64(n))
			buf = buf[n:]
		}
		if err != nil {
			var fe *FaultError
			if errors.As(err, &fe) {
				t.handleFault(fe)
			}
			req.err = fmt.Errorf("uart write: %w", err)
			return
		}
	}
}
