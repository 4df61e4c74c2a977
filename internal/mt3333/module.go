// Package mt3333 drives a MediaTek MT3333 GNSS receiver through its PMTK
// command set: one command in flight at a time, responses correlated by
// packet type and command number, and startup with baud-rate negotiation.
package mt3333

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"railgnss/internal/frame"
	"railgnss/internal/gnss"
	"railgnss/internal/nmea"
)

// State is the command layer's view of the module.
type State uint8

const (
	StateUnknown State = iota
	StateStartingUp
	StateUp
)

func (s State) String() string {
	switch s {
	case StateStartingUp:
		return "starting_up"
	case StateUp:
		return "up"
	default:
		return "unknown"
	}
}

var (
	ErrBusy    = errors.New("mt3333: another command is in flight")
	ErrTimeout = errors.New("mt3333: response timeout")
	ErrNotUp   = errors.New("mt3333: module not up")
	ErrStartup = errors.New("mt3333: module did not start at any baud rate")
	ErrBinary  = errors.New("mt3333: binary transfer rejected")
)

// Response packet types used for correlation.
const (
	TypeAck     = 1  // $PMTK001,<cmd>,<flag>
	TypeStartup = 10 // $PMTK010,001 (also matches $PMTK011,MTKGPS)
	typeText    = 11
)

// AckFlag is the result field of $PMTK001.
type AckFlag int

const (
	AckInvalid AckFlag = iota
	AckUnsupported
	AckFailed
	AckSucceeded
)

func (f AckFlag) String() string {
	switch f {
	case AckInvalid:
		return "invalid"
	case AckUnsupported:
		return "unsupported"
	case AckFailed:
		return "failed"
	case AckSucceeded:
		return "succeeded"
	default:
		return "flag(" + strconv.Itoa(int(f)) + ")"
	}
}

// AckError is returned when the module acknowledged a command with anything
// but "succeeded".
type AckError struct {
	Command int
	Flag    AckFlag
}

func (e *AckError) Error() string {
	return fmt.Sprintf("mt3333: PMTK%03d %s", e.Command, e.Flag)
}

// Response is the decoded sentence that completed an exchange.
type Response struct {
	Type   int
	Fields []string
}

// Text renders the response as "PMTKnnn,f1,f2".
func (r Response) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PMTK%03d", r.Type)
	for _, f := range r.Fields {
		b.WriteByte(',')
		b.WriteString(f)
	}
	return b.String()
}

// Transport is the UART write side.
type Transport interface {
	Write(p []byte, timeout time.Duration) (int, error)
	SetBaud(baud int) error
	Baud() int
	Flush() error
}

// Framer is the frame assembler mode switch.
type Framer interface {
	SetMode(m frame.Mode)
	Mode() frame.Mode
}

// Resetter restarts the module, for example by pulsing its reset line or
// cycling its supply.
type Resetter interface {
	Reset(ctx context.Context) error
}

// BaudStore persists the last baud rate the module answered at.
type BaudStore interface {
	PreferredBaud() int
	SavePreferredBaud(baud int) error
}

type Config struct {
	// Bauds are the candidate rates tried by Startup, after the persisted one.
	Bauds          []int
	StartupWait    time.Duration
	CommandTimeout time.Duration
	WriteTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if len(c.Bauds) == 0 {
		c.Bauds = []int{9600, 115200, 38400, 57600}
	}
	if c.StartupWait <= 0 {
		c.StartupWait = 3 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 500 * time.Millisecond
	}
}

// exchange is the one outstanding command.
type exchange struct {
	cmd     int
	expect  int
	matched bool
	resp    Response
}

type Module struct {
	cfg    Config
	tx     Transport
	framer Framer
	status *gnss.Status
	reset  Resetter
	store  BaudStore

	// access is the single-flight semaphore held for a whole round trip.
	access chan struct{}
	// ack is raised by the response callback when the exchange matched.
	ack chan struct{}
	// binAck carries binary ACK packets during an EPO transfer.
	binAck chan nmea.BinaryAck

	mu    sync.Mutex
	ex    *exchange
	state State

	// skippedBauds counts startup candidates the transport could not be
	// set to.
	skippedBauds atomic.Uint64
}

// New builds a Module. reset and store may be nil.
func New(cfg Config, tx Transport, framer Framer, status *gnss.Status, reset Resetter, store BaudStore) *Module {
	cfg.applyDefaults()
	return &Module{
		cfg:    cfg,
		tx:     tx,
		framer: framer,
		status: status,
		reset:  reset,
		store:  store,
		access: make(chan struct{}, 1),
		ack:    make(chan struct{}, 1),
		binAck: make(chan nmea.BinaryAck, 1),
	}
}

// Attach registers the response callbacks.
func (m *Module) Attach(reg *gnss.Registry) error {
	if err := reg.Register(gnss.EventProprietary, "mt3333", m.onProprietary); err != nil {
		return fmt.Errorf("mt3333 attach: %w", err)
	}
	if err := reg.Register(gnss.EventBinary, "mt3333", m.onBinary); err != nil {
		return fmt.Errorf("mt3333 attach: %w", err)
	}
	return nil
}

func (m *Module) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Module) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	st := gnss.StateDown
	if s == StateUp {
		st = gnss.StateUp
	}
	if m.status != nil {
		if err := m.status.SetState(st); err != nil {
			log.Printf("mt3333 status update failed state=%s: %v", s, err)
		}
	}
}

func (m *Module) acquire(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m.access <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Module) release() { <-m.access }

// arm installs a new exchange. A signal left over from an earlier exchange
// is drained under the same lock that raises it.
func (m *Module) arm(cmd, expect int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.ack:
	default:
	}
	m.ex = &exchange{cmd: cmd, expect: expect}
}

// matched reports whether the armed exchange holds its response.
func (m *Module) matched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ex != nil && m.ex.matched
}

// disarm clears the exchange and returns it.
func (m *Module) disarm() *exchange {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex := m.ex
	m.ex = nil
	return ex
}

// onProprietary runs on the consumer task. It must not block.
func (m *Module) onProprietary(ev gnss.Event) error {
	p, ok := nmea.ParsePMTK(ev.Proprietary)
	if !ok {
		return nil
	}
	m.mu.Lock()
	ex := m.ex
	hit := ex != nil && !ex.matched && matches(ex, p)
	var done bool
	if hit {
		ex.matched = true
		ex.resp = Response{Type: p.Type, Fields: append([]string(nil), p.Fields...)}
		select {
		case m.ack <- struct{}{}:
		default:
		}
	} else if ex != nil {
		done = ex.matched
	}
	state := m.state
	m.mu.Unlock()

	switch {
	case hit, done:
		// Trailing lines of an answered exchange, e.g. PMTK010 after PMTK011.
	case p.Type == TypeStartup && state == StateUp:
		log.Printf("mt3333 unsolicited restart fields=%v", p.Fields)
	case ex != nil:
		log.Printf("mt3333 ignored response PMTK%03d fields=%v want type=%d cmd=%d", p.Type, p.Fields, ex.expect, ex.cmd)
	}
	return nil
}

func matches(ex *exchange, p nmea.PMTK) bool {
	switch {
	case p.Type == TypeAck:
		if len(p.Fields) < 2 || p.Fields[0] != strconv.Itoa(ex.cmd) {
			return false
		}
		if ex.expect == TypeAck {
			return true
		}
		// A query answered with a failure ack completes the exchange; a
		// success ack still waits for the actual response.
		return p.Fields[1] != strconv.Itoa(int(AckSucceeded))
	case ex.expect == TypeStartup:
		return p.Type == TypeStartup || p.Type == typeText
	default:
		return p.Type == ex.expect
	}
}

func (m *Module) onBinary(ev gnss.Event) error {
	ack, ok := nmea.ParseBinaryAck(ev.Binary)
	if !ok {
		return nil
	}
	select {
	case m.binAck <- ack:
	default:
	}
	return nil
}

// SendCommand transmits "$<cmd>*CS\r\n" and waits up to timeout for the
// response of packet type expect (TypeAck for a plain acknowledgment).
// timeout covers both waiting for the single-flight slot and the response.
func (m *Module) SendCommand(ctx context.Context, cmd string, expect int, timeout time.Duration) (Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = m.cfg.CommandTimeout
	}
	deadline := time.Now().Add(timeout)
	num, err := nmea.CommandNumber(cmd)
	if err != nil {
		return Response{}, err
	}
	if err := m.acquire(ctx, timeout); err != nil {
		return Response{}, fmt.Errorf("mt3333 send %s: %w", cmd, err)
	}
	defer m.release()
	return m.exchange(ctx, cmd, num, expect, deadline)
}

// exchange runs one round trip. The caller holds access.
func (m *Module) exchange(ctx context.Context, cmd string, num, expect int, deadline time.Time) (Response, error) {
	if expect == 0 {
		expect = TypeAck
	}
	m.arm(num, expect)
	if _, err := m.tx.Write(nmea.Format(cmd), m.cfg.WriteTimeout); err != nil {
		m.disarm()
		log.Printf("mt3333 write failed cmd=%s: %v", cmd, err)
		return Response{}, fmt.Errorf("mt3333 send %s: %w", cmd, err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
wait:
	for {
		select {
		case <-m.ack:
			if m.matched() {
				break wait
			}
		case <-timer.C:
			m.disarm()
			log.Printf("mt3333 timeout cmd=%s expect=PMTK%03d", cmd, expect)
			return Response{}, fmt.Errorf("mt3333 %s: %w", cmd, ErrTimeout)
		case <-ctx.Done():
			m.disarm()
			return Response{}, ctx.Err()
		}
	}

	ex := m.disarm()
	resp := ex.resp
	if resp.Type == TypeAck {
		flag := AckInvalid
		if n, err := strconv.Atoi(resp.Fields[1]); err == nil {
			flag = AckFlag(n)
		}
		if flag != AckSucceeded {
			log.Printf("mt3333 nack cmd=%s flag=%s", cmd, flag)
			return resp, &AckError{Command: num, Flag: flag}
		}
	}
	return resp, nil
}

// write sends a sentence without waiting for a response. The caller holds
// access.
func (m *Module) write(p []byte) error {
	if _, err := m.tx.Write(p, m.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("mt3333 write: %w", err)
	}
	return nil
}

// Raw sends a raw command text (with or without "$" and checksum) and waits
// for the given response type, returning the response text.
func (m *Module) Raw(ctx context.Context, cmd string, expect int) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if i := strings.IndexByte(cmd, '*'); i >= 0 {
		cmd = cmd[:i]
	}
	resp, err := m.SendCommand(ctx, cmd, expect, m.cfg.CommandTimeout)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func (m *Module) requireUp() error {
	if m.State() != StateUp {
		return ErrNotUp
	}
	return nil
}
