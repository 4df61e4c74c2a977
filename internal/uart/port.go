// Package uart moves raw bytes between a GNSS receiver and the frame
// assembler. A dedicated receive goroutine plays the role of the receive
// interrupt: it never blocks on locks held by task code, never logs, and only
// hands bytes to the Receiver and bumps counters. Transmission runs on its own
// goroutine and signals completion; a write that misses its deadline is
// aborted and its output flushed.
package uart

import (
	"errors"
	"fmt"
	"strings"
)

// Port is the hardware-facing side of a UART.
//
// Read must return periodically even when the line is idle; (0, nil) is a
// valid idle result. Line errors detected by the backend are reported as a
// *FaultError.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetBaud(baud int) error
	// ResetInput discards bytes received but not read (rx FIFO flush).
	ResetInput() error
	// ResetOutput discards bytes written but not yet transmitted.
	ResetOutput() error
	Close() error
}

// StandardBauds are the rates every backend can be set to. The termios
// backend only has constants for these.
var StandardBauds = []int{4800, 9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

// SupportedBaud reports whether baud is in StandardBauds.
func SupportedBaud(baud int) bool {
	for _, b := range StandardBauds {
		if b == baud {
			return true
		}
	}
	return false
}

var (
	ErrClosed       = errors.New("uart: port closed")
	ErrWriteTimeout = errors.New("uart: write timed out")
	ErrNotStarted   = errors.New("uart: transport not started")
)

// Fault is a hardware line or FIFO error.
type Fault uint8

const (
	FaultParity Fault = iota + 1
	FaultFraming
	FaultNoise
	FaultOverrun
	FaultRxFIFO
	FaultTxFIFO
)

func (f Fault) String() string {
	switch f {
	case FaultParity:
		return "parity"
	case FaultFraming:
		return "framing"
	case FaultNoise:
		return "noise"
	case FaultOverrun:
		return "overrun"
	case FaultRxFIFO:
		return "rx-fifo"
	case FaultTxFIFO:
		return "tx-fifo"
	default:
		return "unknown"
	}
}

// Rx reports whether the fault affects the receive path.
func (f Fault) Rx() bool { return f != FaultTxFIFO }

// FaultError is returned by Port.Read when the backend observed line errors
// since the previous read.
type FaultError struct {
	Faults []Fault
}

func (e *FaultError) Error() string {
	names := make([]string, 0, len(e.Faults))
	for _, f := range e.Faults {
		names = append(names, f.String())
	}
	return "uart: line fault " + strings.Join(names, ",")
}

// PartialWriteError reports a timed out write. Written bytes reached the
// port before the abort.
type PartialWriteError struct {
	Written int
	Want    int
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("uart: write timed out after %d of %d bytes", e.Written, e.Want)
}

func (e *PartialWriteError) Unwrap() error { return ErrWriteTimeout }
