//go:build linux

package uart

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// TIOCGICOUNT returns the driver's cumulative line error counters
// (struct serial_icounter_struct).
const tiocgicount = 0x545D

type serialICounter struct {
	cts, dsr, rng, dcd int32
	rx, tx             int32
	frame, overrun     int32
	parity, brk        int32
	bufOverrun         int32
	reserved           [9]int32
}

// termiosPort drives a tty through raw termios. Reads use VMIN=0/VTIME so
// that an idle line returns (0, nil) every 200 ms.
type termiosPort struct {
	path string
	fd   int

	closed atomic.Bool

	mu      sync.Mutex
	icount  serialICounter
	noCount bool
}

// OpenTermios opens path in raw 8N1 mode at baud.
func OpenTermios(path string, baud int) (Port, error) {
	flag := unix.O_RDWR | unix.O_NOCTTY | unix.O_CLOEXEC
	fd, err := unix.Open(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// Best-effort: if anything below fails, close fd.
	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}
	spd, err := baudToUnix(baud)
	if err != nil {
		return nil, err
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 2

	setSpeed(t, spd)
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return nil, err
	}

	p := &termiosPort{path: path, fd: fd}
	if err := p.readICount(&p.icount); err != nil {
		// USB CDC-ACM and pty drivers do not keep line counters.
		p.noCount = true
	}
	ok = true
	return p, nil
}

func setSpeed(t *unix.Termios, spd uint32) {
	t.Cflag &^= unix.CBAUD
	t.Cflag |= spd
	t.Ispeed = spd
	t.Ospeed = spd
}

func (p *termiosPort) readICount(c *serialICounter) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(p.fd), uintptr(tiocgicount), uintptr(unsafe.Pointer(c)))
	if errno != 0 {
		return errno
	}
	return nil
}

// pollFaults compares the driver counters with the previous snapshot.
func (p *termiosPort) pollFaults() []Fault {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.noCount {
		return nil
	}
	var now serialICounter
	if err := p.readICount(&now); err != nil {
		return nil
	}
	prev := p.icount
	p.icount = now

	var out []Fault
	if now.parity != prev.parity {
		out = append(out, FaultParity)
	}
	if now.frame != prev.frame {
		out = append(out, FaultFraming)
	}
	// A break on an otherwise idle NMEA line is line noise.
	if now.brk != prev.brk {
		out = append(out, FaultNoise)
	}
	if now.overrun != prev.overrun {
		out = append(out, FaultOverrun)
	}
	if now.bufOverrun != prev.bufOverrun {
		out = append(out, FaultRxFIFO)
	}
	return out
}

func (p *termiosPort) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	n, err := unix.Read(p.fd, b)
	if err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		if p.closed.Load() || errors.Is(err, unix.EBADF) {
			return 0, ErrClosed
		}
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	if faults := p.pollFaults(); len(faults) > 0 {
		return n, &FaultError{Faults: faults}
	}
	return n, nil
}

func (p *termiosPort) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	total := 0
	for total < len(b) {
		n, err := unix.Write(p.fd, b[total:])
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return total, err
		}
		total += n
	}
	return total, nil
}

func (p *termiosPort) SetBaud(baud int) error {
	spd, err := baudToUnix(baud)
	if err != nil {
		return err
	}
	t, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return err
	}
	setSpeed(t, spd)
	// TCSETSW lets pending output drain at the old rate first.
	return unix.IoctlSetTermios(p.fd, unix.TCSETSW, t)
}

func (p *termiosPort) ResetInput() error {
	return unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIFLUSH)
}

func (p *termiosPort) ResetOutput() error {
	return unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCOFLUSH)
}

func (p *termiosPort) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.fd)
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	case 460800:
		return unix.B460800, nil
	case 921600:
		return unix.B921600, nil
	default:
		return 0, fmt.Errorf("unsupported baud %d", baud)
	}
}
