package gnss

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"railgnss/internal/frame"
	"railgnss/internal/nmea"
	"railgnss/internal/uart"
)

func nmeaLine(payload string) string {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X\r\n", payload, ck)
}

const (
	rmcA  = "GPRMC,120230.000,A,5201.8959,N,00505.7139,E,0.20,1.42,100217,,,"
	ggaOK = "GPGGA,120230.000,5201.8959,N,00505.7139,E,1,08,0.9,12.5,M,47.0,M,,"
	ggaHi = "GPGGA,120231.000,5201.8959,N,00505.7139,E,1,08,2.5,12.5,M,47.0,M,,"
)

type eventLog struct {
	mu     sync.Mutex
	events []EventKind
}

func (l *eventLog) record(ev Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev.Kind)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) count(k EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == k {
			n++
		}
	}
	return n
}

func newTestConsumer(t *testing.T) (*Consumer, *Status, *eventLog) {
	t.Helper()
	asm := frame.NewAssembler(frame.NewPool())
	st := NewStatus()
	reg := NewRegistry()
	log := &eventLog{}
	for _, k := range []EventKind{EventNewFix, EventFirstFix, EventFirstAccurateFix, EventProprietary, EventBinary} {
		if err := reg.Register(k, "test", log.record); err != nil {
			t.Fatalf("register %v: %v", k, err)
		}
	}
	c := NewConsumer(asm, st, reg)
	c.now = func() time.Time { return time.Date(2017, 2, 10, 12, 2, 30, 0, time.UTC) }
	return c, st, log
}

func feedLine(c *Consumer, line string) {
	c.Process(frame.Frame{Kind: frame.KindASCII, Data: []byte(line)})
}

func mustSnapshot(t *testing.T, st *Status) Snapshot {
	t.Helper()
	snap, err := st.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return snap
}

func TestConsumer_RMCUpdatesStatus(t *testing.T) {
	c, st, log := newTestConsumer(t)
	feedLine(c, nmeaLine(rmcA))

	snap := mustSnapshot(t, st)
	f := snap.Fix
	if !f.Valid || f.UTCTime != 120230.000 || f.Date != 100217 {
		t.Fatalf("fix=%+v", f)
	}
	if f.Latitude != 5201.8959 || f.NS != "N" || f.Longitude != 505.7139 || f.EW != "E" {
		t.Fatalf("position=%+v", f)
	}
	if f.SpeedKnots != 0.20 {
		t.Fatalf("speed=%v", f.SpeedKnots)
	}
	if snap.FirstFix == nil {
		t.Fatalf("expected first fix time")
	}
	if log.count(EventFirstFix) != 1 || log.count(EventNewFix) != 1 {
		t.Fatalf("events=%v", log.events)
	}
}

func TestConsumer_BadChecksumLeavesStatus(t *testing.T) {
	c, st, log := newTestConsumer(t)
	good := nmeaLine(rmcA)
	bad := good[:len(good)-4] + "00\r\n"
	feedLine(c, bad)

	snap := mustSnapshot(t, st)
	if snap.Fix.Valid || snap.Fix.UTCTime != 0 || snap.FirstFix != nil {
		t.Fatalf("status mutated: %+v", snap)
	}
	if got := c.Stats().ChecksumFaults; got != 1 {
		t.Fatalf("checksum_faults=%d want 1", got)
	}
	if s := c.asm.Stats(); s.Overflows != 0 || s.Malformed != 0 {
		t.Fatalf("framing counters changed: %+v", s)
	}
	if len(log.events) != 0 {
		t.Fatalf("events=%v", log.events)
	}
}

func TestConsumer_BadChecksumResetsMode(t *testing.T) {
	c, _, _ := newTestConsumer(t)
	c.asm.SetMode(frame.ModeBinary)
	feedLine(c, "$GPRMC,1*00\r\n")
	if m := c.asm.Mode(); m != frame.ModeASCII {
		t.Fatalf("mode=%v want ascii", m)
	}
}

func TestConsumer_FirstAccurateFixLatch(t *testing.T) {
	c, st, log := newTestConsumer(t)
	feedLine(c, nmeaLine(rmcA))
	feedLine(c, nmeaLine(ggaHi))
	if n := log.count(EventFirstAccurateFix); n != 0 {
		t.Fatalf("fired with hdop above threshold (%d)", n)
	}

	feedLine(c, nmeaLine(ggaOK))
	feedLine(c, nmeaLine(ggaOK))
	feedLine(c, nmeaLine("GPGSA,A,3,01,03,06,09,,,,,,,,,1.8,0.9,1.5"))
	if n := log.count(EventFirstAccurateFix); n != 1 {
		t.Fatalf("first accurate fix fired %d times, want 1", n)
	}
	snap := mustSnapshot(t, st)
	if snap.FirstAccurateFix == nil || snap.Fix.HDOP != 0.9 {
		t.Fatalf("snap=%+v", snap)
	}

	if err := st.ResetFixLatches(); err != nil {
		t.Fatalf("ResetFixLatches: %v", err)
	}
	feedLine(c, nmeaLine(ggaOK))
	if n := log.count(EventFirstAccurateFix); n != 2 {
		t.Fatalf("after reset fired %d times, want 2", n)
	}
	if n := log.count(EventFirstFix); n != 2 {
		t.Fatalf("first fix fired %d times, want 2", n)
	}
}

func TestConsumer_ProprietaryDispatched(t *testing.T) {
	c, _, _ := newTestConsumer(t)
	var got nmea.Proprietary
	c.reg = NewRegistry()
	_ = c.reg.Register(EventProprietary, "p", func(ev Event) error {
		got = ev.Proprietary
		return nil
	})
	feedLine(c, "$PMTK001,605,3*33\r\n")
	if got.Code != "PMTK001" || len(got.Fields) != 2 {
		t.Fatalf("got=%+v", got)
	}
}

func TestConsumer_UnknownCounted(t *testing.T) {
	c, _, _ := newTestConsumer(t)
	feedLine(c, nmeaLine("GPXYZ,1,2,3"))
	if s := c.Stats(); s.Unknown != 1 || s.ChecksumFaults != 0 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestConsumer_BinaryDispatched(t *testing.T) {
	c, _, _ := newTestConsumer(t)
	var ack nmea.BinaryAck
	c.reg = NewRegistry()
	_ = c.reg.Register(EventBinary, "b", func(ev Event) error {
		ack, _ = nmea.ParseBinaryAck(ev.Binary)
		return nil
	})
	pkt := nmea.BuildBinary(nmea.BinaryTypeAck, []byte{0x07, 0x00, 0x01})
	c.Process(frame.Frame{Kind: frame.KindBinary, Data: pkt})
	if ack.Seq != 7 || ack.Result != 1 {
		t.Fatalf("ack=%+v", ack)
	}
}

func TestStatus_GSVTruncation(t *testing.T) {
	st := NewStatus()
	now := time.Now()
	// 20 satellites claimed in view across 5 sentences; only 16 are kept.
	for msg := 1; msg <= 5; msg++ {
		g := nmea.GSV{Talker: "GP", TotalMessages: 5, MessageNumber: msg, InView: 20, NumSats: 4}
		for i := 0; i < 4; i++ {
			g.Sats[i] = nmea.SatInView{PRN: (msg-1)*4 + i + 1, Elevation: 10, Azimuth: 20, SNR: 30}
		}
		if _, err := st.Apply(now, g); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	snap, _ := st.Snapshot()
	tb, ok := snap.Satellites["gps"]
	if !ok {
		t.Fatalf("no gps table: %+v", snap.Satellites)
	}
	if tb.InView != 20 || len(tb.Sats) != MaxSatellites || !tb.Truncated {
		t.Fatalf("table in_view=%d n=%d truncated=%v", tb.InView, len(tb.Sats), tb.Truncated)
	}
	if n, _ := st.Truncations(); n != 4 {
		t.Fatalf("truncations=%d want 4", n)
	}
}

func TestStatus_GSVBoundedByInView(t *testing.T) {
	st := NewStatus()
	g := nmea.GSV{Talker: "GL", TotalMessages: 1, MessageNumber: 1, InView: 2, NumSats: 3}
	g.Sats[0] = nmea.SatInView{PRN: 65}
	g.Sats[1] = nmea.SatInView{PRN: 66}
	g.Sats[2] = nmea.SatInView{PRN: 67}
	_, _ = st.Apply(time.Now(), g)
	snap, _ := st.Snapshot()
	tb := snap.Satellites["glonass"]
	if len(tb.Sats) != 2 || !tb.Truncated {
		t.Fatalf("table=%+v", tb)
	}
}

func TestStatus_SpeedHistory(t *testing.T) {
	st := NewStatus()
	for i := 1; i <= SpeedHistoryLen+2; i++ {
		r := nmea.RMC{Valid: true, Latitude: 5201.8959, NS: 'N', Longitude: 505.7139, EW: 'E', SpeedKnots: float64(i)}
		if _, err := st.Apply(time.Now(), r); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	snap, _ := st.Snapshot()
	if len(snap.SpeedHistory) != SpeedHistoryLen {
		t.Fatalf("history len=%d", len(snap.SpeedHistory))
	}
	if snap.SpeedHistory[0] != 3 || snap.SpeedHistory[SpeedHistoryLen-1] != 10 {
		t.Fatalf("history=%v", snap.SpeedHistory)
	}
	if snap.SpeedAvgKnots != 6.5 {
		t.Fatalf("avg=%v want 6.5", snap.SpeedAvgKnots)
	}
}

func TestStatus_BoundedAcquire(t *testing.T) {
	st := NewStatus()
	st.wait = 20 * time.Millisecond
	st.sem <- struct{}{} // held by another task
	start := time.Now()
	if _, err := st.Snapshot(); err != ErrStatusBusy {
		t.Fatalf("err=%v want ErrStatusBusy", err)
	}
	if el := time.Since(start); el < 20*time.Millisecond {
		t.Fatalf("returned after %v", el)
	}
	<-st.sem
	if _, err := st.Snapshot(); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestStatus_CallbackMayReadStatus(t *testing.T) {
	// Callbacks run after the semaphore is released, so reading the status
	// from inside one must not deadlock.
	pipe := uart.NewPipe(9600)
	svc := New(Config{Device: "pipe", Baud: 9600, StatusWait: 50 * time.Millisecond}, pipe)
	got := make(chan Snapshot, 1)
	_ = svc.Registry().Register(EventFirstFix, "reader", func(Event) error {
		snap, err := svc.Snapshot()
		if err != nil {
			return err
		}
		got <- snap
		return nil
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Close()

	pipe.Inject([]byte(nmeaLine(rmcA)))
	select {
	case snap := <-got:
		if !snap.Fix.Valid {
			t.Fatalf("snapshot=%+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first fix callback not invoked")
	}
	if s := svc.Stats(); s.Consumer.CallbackErrors != 0 {
		t.Fatalf("callback errors=%d", s.Consumer.CallbackErrors)
	}
}

func TestService_NoisyStreamRecovers(t *testing.T) {
	pipe := uart.NewPipe(9600)
	svc := New(Config{Device: "pipe", Baud: 9600}, pipe)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Close()

	// Garbage and a truncated sentence, then a line fault, then a good
	// sentence. Without the fault the truncated sentence would swallow the
	// next one.
	pipe.Inject([]byte("\x00\xff$GPGGA,12"))
	waitStats(t, svc, func(s Stats) bool { return s.UART.RxBytes == 11 })
	pipe.InjectFault(uart.FaultFraming)
	waitStats(t, svc, func(s Stats) bool { return s.Frame.Resets == 1 })
	pipe.Inject([]byte(nmeaLine(rmcA)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := svc.Snapshot()
		if err == nil && snap.Fix.Valid {
			st := svc.Stats()
			if st.UART.FramingErrors != 1 {
				t.Fatalf("framing errors=%d", st.UART.FramingErrors)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no fix after noisy stream; stats=%+v", svc.Stats())
}

func waitStats(t *testing.T, svc *Service, cond func(Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(svc.Stats()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stats condition not met: %+v", svc.Stats())
}
