package mt3333

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"railgnss/internal/gnss"
	"railgnss/internal/nmea"
	"railgnss/internal/uart"
)

const simVersion = "AXN_5.1.7_3333_19020118,0027,Quectel-L80,1.0"

// simModule plays an MT3333 on the far end of a uart.Pipe. It only hears the
// host when both sides use the same baud.
type simModule struct {
	pipe *uart.Pipe

	mu          sync.Mutex
	buf         []byte
	baud        int
	binary      bool
	stuckBinary bool // binary output survives a reset
	dead        bool // never prints its startup message
	silent      bool // ignores commands
	delay       time.Duration
	replies     map[int][]string
	commands    []string
	epoSeqs     []uint16
	boots       int
}

func newSim(pipe *uart.Pipe, baud int) *simModule {
	s := &simModule{pipe: pipe, baud: baud, replies: map[int][]string{}}
	pipe.OnWrite(s.onWrite)
	return s
}

func (s *simModule) set(fn func(s *simModule)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

func (s *simModule) commandLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *simModule) seqs() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.epoSeqs...)
}

func (s *simModule) onWrite(b []byte) {
	hostBaud := s.pipe.Baud()
	s.mu.Lock()
	if hostBaud != s.baud {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, b...)
	var out [][]byte
	for {
		pkt, ok := s.next()
		if !ok {
			break
		}
		out = append(out, s.handle(pkt)...)
	}
	delay := s.delay
	s.mu.Unlock()
	s.send(out, delay)
}

// next cuts one ASCII line or binary packet off the receive buffer.
func (s *simModule) next() ([]byte, bool) {
	for len(s.buf) > 0 && s.buf[0] != '$' && s.buf[0] != 0x04 {
		s.buf = s.buf[1:]
	}
	if len(s.buf) == 0 {
		return nil, false
	}
	if s.buf[0] == '$' {
		i := strings.IndexByte(string(s.buf), '\n')
		if i < 0 {
			return nil, false
		}
		pkt := s.buf[:i+1]
		s.buf = s.buf[i+1:]
		return pkt, true
	}
	if len(s.buf) < 4 {
		return nil, false
	}
	n := int(binary.LittleEndian.Uint16(s.buf[2:]))
	if n < 9 {
		s.buf = s.buf[1:]
		return s.next()
	}
	if len(s.buf) < n {
		return nil, false
	}
	pkt := s.buf[:n]
	s.buf = s.buf[n:]
	return pkt, true
}

func (s *simModule) handle(pkt []byte) [][]byte {
	if pkt[0] == 0x04 {
		p, err := nmea.ParseBinary(pkt)
		if err != nil || !s.binary {
			return nil
		}
		switch p.Type {
		case nmea.BinaryTypeSetOutput:
			s.binary = false
		case nmea.BinaryTypeEPO:
			seq := binary.LittleEndian.Uint16(p.Data)
			s.epoSeqs = append(s.epoSeqs, seq)
			return [][]byte{nmea.BuildBinary(nmea.BinaryTypeAck, []byte{byte(seq), byte(seq >> 8), 1})}
		}
		return nil
	}
	if s.binary {
		return nil
	}
	body, err := nmea.Validate(pkt)
	if err != nil {
		return nil
	}
	cmd := string(body[1:])
	s.commands = append(s.commands, cmd)
	if s.silent {
		return nil
	}
	num, err := nmea.CommandNumber(cmd)
	if err != nil {
		return nil
	}
	if r, ok := s.replies[num]; ok {
		return format(r...)
	}
	ack := func() [][]byte { return format("PMTK001," + strconv.Itoa(num) + ",3") }
	switch num {
	case 0, 220, 314, 161, 386:
		return ack()
	case 605:
		return format("PMTK705," + simVersion)
	case 101, 102, 103, 104:
		return format("PMTK010,001", "PMTK011,MTKGPS")
	case 251:
		out := ack()
		if b, err := strconv.Atoi(strings.Split(cmd, ",")[1]); err == nil {
			s.baud = b
		}
		return out
	case 253:
		s.binary = true
		return nil
	case 400:
		return format("PMTK500,1000,0,0,0.0,0.0")
	case 414:
		return format("PMTK514,0,1,0,1,1,5,0,0,0,0,0,0,0,0,0,0,0,0,0")
	case 447:
		return format("PMTK527,0.20")
	default:
		return format("PMTK001," + strconv.Itoa(num) + ",1")
	}
}

func format(payloads ...string) [][]byte {
	out := make([][]byte, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, nmea.Format(p))
	}
	return out
}

func (s *simModule) send(out [][]byte, delay time.Duration) {
	if len(out) == 0 {
		return
	}
	inject := func() {
		for _, b := range out {
			s.pipe.Inject(b)
		}
	}
	if delay <= 0 {
		inject()
		return
	}
	time.AfterFunc(delay, inject)
}

// boot simulates a power cycle.
func (s *simModule) boot() {
	hostBaud := s.pipe.Baud()
	s.mu.Lock()
	s.boots++
	s.buf = nil
	if !s.stuckBinary {
		s.binary = false
	}
	quiet := s.dead || s.binary || hostBaud != s.baud
	s.mu.Unlock()
	if quiet {
		// Whatever the module prints at another rate is noise to the host.
		s.pipe.Inject([]byte{0xFE, 0x81, 0x3C})
		return
	}
	s.send(format("PMTK011,MTKGPS", "PMTK010,001"), 0)
}

type simReset struct{ sim *simModule }

func (r simReset) Reset(ctx context.Context) error {
	r.sim.boot()
	return ctx.Err()
}

type memStore struct {
	mu    sync.Mutex
	baud  int
	saves int
}

func (m *memStore) PreferredBaud() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baud
}

func (m *memStore) SavePreferredBaud(b int) error {
	m.mu.Lock()
	m.baud = b
	m.saves++
	m.mu.Unlock()
	return nil
}

type rig struct {
	pipe  *uart.Pipe
	sim   *simModule
	svc   *gnss.Service
	mod   *Module
	store *memStore
}

func newRig(t *testing.T, moduleBaud int, cfg Config) *rig {
	t.Helper()
	return newRigWith(t, moduleBaud, cfg, nil)
}

// newRigWith lets wrap intercept the transport the module drives.
func newRigWith(t *testing.T, moduleBaud int, cfg Config, wrap func(Transport) Transport) *rig {
	t.Helper()
	pipe := uart.NewPipe(9600)
	sim := newSim(pipe, moduleBaud)
	svc := gnss.New(gnss.Config{Device: "sim", Baud: 9600}, pipe)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(svc.Close)

	st := &memStore{}
	var tx Transport = svc.Transport()
	if wrap != nil {
		tx = wrap(tx)
	}
	mod := New(cfg, tx, svc.Assembler(), svc.Status(), simReset{sim}, st)
	if err := mod.Attach(svc.Registry()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return &rig{pipe: pipe, sim: sim, svc: svc, mod: mod, store: st}
}

func (r *rig) startup(t *testing.T) {
	t.Helper()
	if err := r.mod.Startup(context.Background(), 200*time.Millisecond); err != nil {
		t.Fatalf("Startup: %v", err)
	}
}

// rejectBaud fails SetBaud for one rate, like a backend with no constant
// for it.
type rejectBaud struct {
	Transport
	reject int
}

func (r rejectBaud) SetBaud(baud int) error {
	if baud == r.reject {
		return fmt.Errorf("uart set baud %d: unsupported", baud)
	}
	return r.Transport.SetBaud(baud)
}

func rejecting(baud int) func(Transport) Transport {
	return func(tx Transport) Transport { return rejectBaud{Transport: tx, reject: baud} }
}

// lockedBuffer collects log output written from the receive goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLog(t *testing.T) *lockedBuffer {
	t.Helper()
	b := &lockedBuffer{}
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(b)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})
	return b
}
