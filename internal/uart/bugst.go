package uart

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

const bugstReadTimeout = 200 * time.Millisecond

// bugstPort is the portable backend. go.bug.st/serial does not expose line
// error counters, so it never reports a FaultError.
type bugstPort struct {
	port serial.Port
}

// OpenSerial opens path through go.bug.st/serial in 8N1 mode.
func OpenSerial(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", path, err)
	}
	if err := p.SetReadTimeout(bugstReadTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return &bugstPort{port: p}, nil
}

func (b *bugstPort) Read(p []byte) (int, error) {
	n, err := b.port.Read(p)
	if err != nil {
		return n, mapBugstErr(err)
	}
	return n, nil
}

func (b *bugstPort) Write(p []byte) (int, error) {
	n, err := b.port.Write(p)
	if err != nil {
		return n, mapBugstErr(err)
	}
	return n, nil
}

func (b *bugstPort) SetBaud(baud int) error {
	return b.port.SetMode(&serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

func (b *bugstPort) ResetInput() error  { return b.port.ResetInputBuffer() }
func (b *bugstPort) ResetOutput() error { return b.port.ResetOutputBuffer() }

func (b *bugstPort) Close() error {
	if err := b.port.Close(); err != nil {
		return mapBugstErr(err)
	}
	return nil
}

func mapBugstErr(err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
		return ErrClosed
	}
	return err
}

// Open selects a backend by driver name: "termios" (default on Linux) or
// "serial".
func Open(driver, path string, baud int) (Port, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "termios":
		return OpenTermios(path, baud)
	case "serial", "bugst":
		return OpenSerial(path, baud)
	default:
		return nil, fmt.Errorf("unknown uart driver %q", driver)
	}
}
