package gnss

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"railgnss/internal/frame"
	"railgnss/internal/nmea"
)

// ConsumerStats counts frames seen by the consumer task.
type ConsumerStats struct {
	Processed      uint64 `json:"processed"`
	ChecksumFaults uint64 `json:"checksum_faults"`
	DecodeErrors   uint64 `json:"decode_errors"`
	Unknown        uint64 `json:"unknown"`
	BinaryFaults   uint64 `json:"binary_faults"`
	StatusBusy     uint64 `json:"status_busy"`
	CallbackErrors uint64 `json:"callback_errors"`
}

// Consumer is the task that drains completed frames: validate, decode,
// update Status, dispatch callbacks, release the buffer.
type Consumer struct {
	asm    *frame.Assembler
	status *Status
	reg    *Registry
	now    func() time.Time

	// tap, if set, sees every validated ASCII sentence body (without
	// checksum). Used by the console "monitor" output.
	tap atomic.Pointer[func(body []byte)]

	processed      atomic.Uint64
	checksumFaults atomic.Uint64
	decodeErrors   atomic.Uint64
	unknown        atomic.Uint64
	binaryFaults   atomic.Uint64
	statusBusy     atomic.Uint64
	callbackErrors atomic.Uint64
}

func NewConsumer(asm *frame.Assembler, status *Status, reg *Registry) *Consumer {
	return &Consumer{asm: asm, status: status, reg: reg, now: time.Now}
}

// SetTap installs or (with nil) removes the sentence tap.
func (c *Consumer) SetTap(fn func(body []byte)) {
	if fn == nil {
		c.tap.Store(nil)
		return
	}
	c.tap.Store(&fn)
}

// Run processes frames until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	pool := c.asm.Pool()
	for {
		f, err := pool.Next(ctx)
		if err != nil {
			return err
		}
		c.Process(f)
		pool.Release(f.Handle)
	}
}

// Process handles one frame. It does not release the frame.
func (c *Consumer) Process(f frame.Frame) {
	c.processed.Add(1)
	if f.Kind == frame.KindBinary {
		c.processBinary(f)
		return
	}

	body, err := nmea.Validate(f.Data)
	if err != nil {
		c.checksumFaults.Add(1)
		// A bad checksum is the only hint that the module may have switched
		// output modes on its own; drop back to ASCII framing.
		c.asm.SetMode(frame.ModeASCII)
		return
	}
	if p := c.tap.Load(); p != nil {
		(*p)(body)
	}

	sent, err := nmea.Decode(body)
	if err != nil {
		if errors.Is(err, nmea.ErrUnknown) {
			c.unknown.Add(1)
		} else {
			c.decodeErrors.Add(1)
		}
		return
	}

	now := c.now()
	if p, ok := sent.(nmea.Proprietary); ok {
		c.dispatch(Event{Kind: EventProprietary, Time: now, Proprietary: p})
		return
	}

	events, err := c.status.Apply(now, sent)
	if err != nil {
		c.statusBusy.Add(1)
		return
	}
	for _, ev := range events {
		c.dispatch(ev)
	}
}

func (c *Consumer) processBinary(f frame.Frame) {
	pkt, err := nmea.ParseBinary(f.Data)
	if err != nil {
		c.binaryFaults.Add(1)
		return
	}
	c.dispatch(Event{Kind: EventBinary, Time: c.now(), Binary: pkt})
}

func (c *Consumer) dispatch(ev Event) {
	if c.reg == nil {
		return
	}
	if err := c.reg.Dispatch(ev.Kind, ev); err != nil {
		c.callbackErrors.Add(1)
	}
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Processed:      c.processed.Load(),
		ChecksumFaults: c.checksumFaults.Load(),
		DecodeErrors:   c.decodeErrors.Load(),
		Unknown:        c.unknown.Load(),
		BinaryFaults:   c.binaryFaults.Load(),
		StatusBusy:     c.statusBusy.Load(),
		CallbackErrors: c.callbackErrors.Load(),
	}
}
