package capture

import (
	"log"
	"sync"
	"time"

	"railgnss/internal/uart"
)

// Recorder is a uart.Port that copies every received chunk to a Writer.
type Recorder struct {
	uart.Port
	w   *Writer
	now func() time.Time

	once sync.Once
}

func NewRecorder(p uart.Port, w *Writer) *Recorder {
	return &Recorder{Port: p, w: w, now: time.Now}
}

func (r *Recorder) Read(b []byte) (int, error) {
	n, err := r.Port.Read(b)
	if n > 0 {
		if werr := r.w.WriteChunk(r.now(), b[:n]); werr != nil {
			r.once.Do(func() { log.Printf("capture write failed: %v", werr) })
		}
	}
	return n, err
}

func (r *Recorder) Close() error {
	err := r.Port.Close()
	if cerr := r.w.Close(); err == nil {
		err = cerr
	}
	return err
}

// Replay is a uart.Port fed from a capture log. Writes are discarded.
type Replay struct {
	chunks chan []byte
	closed chan struct{}
	done   chan struct{}
	idle   time.Duration

	mu      sync.Mutex
	pending []byte
	baud    int
	written int
	err     error

	closeOnce sync.Once
}

// NewReplay starts playback immediately; Done is closed when it finishes.
func NewReplay(records []Record, speed float64, loop bool) *Replay {
	r := &Replay{
		chunks: make(chan []byte),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
		idle:   200 * time.Millisecond,
	}
	go func() {
		defer close(r.done)
		err := Play(records, speed, loop, closeSleeper{r.closed}, func(data []byte) error {
			select {
			case r.chunks <- data:
				return nil
			case <-r.closed:
				return uart.ErrClosed
			}
		})
		if err != nil && err != uart.ErrClosed {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
		}
	}()
	return r
}

// OpenReplay loads path and starts playback.
func OpenReplay(path string, speed float64, loop bool) (*Replay, error) {
	recs, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	log.Printf("capture replay path=%s records=%d speed=%.2f loop=%v", path, len(recs), speed, loop)
	return NewReplay(recs, speed, loop), nil
}

func (r *Replay) Done() <-chan struct{} { return r.done }

// Err reports a playback failure once Done is closed.
func (r *Replay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Replay) Read(b []byte) (int, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		n := copy(b, r.pending)
		r.pending = r.pending[n:]
		r.mu.Unlock()
		return n, nil
	}
	r.mu.Unlock()

	timer := time.NewTimer(r.idle)
	defer timer.Stop()
	select {
	case chunk := <-r.chunks:
		n := copy(b, chunk)
		if n < len(chunk) {
			r.mu.Lock()
			r.pending = append(r.pending, chunk[n:]...)
			r.mu.Unlock()
		}
		return n, nil
	case <-r.closed:
		return 0, uart.ErrClosed
	case <-timer.C:
		return 0, nil
	}
}

func (r *Replay) Write(b []byte) (int, error) {
	select {
	case <-r.closed:
		return 0, uart.ErrClosed
	default:
	}
	r.mu.Lock()
	r.written += len(b)
	r.mu.Unlock()
	return len(b), nil
}

// Written is the number of bytes the host tried to send.
func (r *Replay) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

func (r *Replay) SetBaud(baud int) error {
	r.mu.Lock()
	r.baud = baud
	r.mu.Unlock()
	return nil
}

func (r *Replay) ResetInput() error {
	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()
	return nil
}

func (r *Replay) ResetOutput() error { return nil }

func (r *Replay) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

type closeSleeper struct {
	closed <-chan struct{}
}

func (s closeSleeper) Sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.closed:
	}
}
