package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"railgnss/internal/config"
	"railgnss/internal/gnss"
	"railgnss/internal/nmea"
	"railgnss/internal/store"
	"railgnss/internal/uart"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	off := false
	dir := t.TempDir()
	cfg := config.Config{}
	cfg.GNSS.Device = "/dev/ttyTEST"
	cfg.GNSS.AutoStartup = &off
	cfg.Store.Path = filepath.Join(dir, "state.yaml")
	cfg.TrackLog.Enable = true
	cfg.TrackLog.Path = filepath.Join(dir, "track.db")
	if err := config.DefaultAndValidate(&cfg); err != nil {
		t.Fatalf("DefaultAndValidate: %v", err)
	}
	return cfg
}

func withPipe(t *testing.T) *uart.Pipe {
	t.Helper()
	p := uart.NewPipe(9600)
	prev := openPortFn
	openPortFn = func(driver, path string, baud int) (uart.Port, error) {
		return p, nil
	}
	t.Cleanup(func() { openPortFn = prev })
	return p
}

func TestDaemon_ReceivesFixesAndLogsThem(t *testing.T) {
	cfg := testConfig(t)
	pipe := withPipe(t)

	d, err := newDaemon(cfg)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	defer d.close()
	if err := d.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	pipe.Inject(nmea.Format("GPRMC,120230.000,A,5201.8959,N,00505.7139,E,0.20,1.42,100217,,,"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.track.Stats().Written > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if d.track.Stats().Written == 0 {
		t.Fatalf("track log never written")
	}
	snap, err := d.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.Fix.Valid || snap.Fix.NS != "N" {
		t.Fatalf("fix=%+v", snap.Fix)
	}
}

func TestDaemon_UsesPersistedSettings(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := st.SavePreferredBaud(115200); err != nil {
		t.Fatalf("SavePreferredBaud: %v", err)
	}
	if err := st.SaveHDOPThreshold(1.5); err != nil {
		t.Fatalf("SaveHDOPThreshold: %v", err)
	}

	var gotBaud int
	p := uart.NewPipe(115200)
	prev := openPortFn
	openPortFn = func(driver, path string, baud int) (uart.Port, error) {
		gotBaud = baud
		return p, nil
	}
	defer func() { openPortFn = prev }()

	d, err := newDaemon(cfg)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	defer d.close()

	if gotBaud != 115200 {
		t.Fatalf("opened at baud=%d want 115200", gotBaud)
	}
	if v, _ := d.svc.Status().HDOPThreshold(); v != 1.5 {
		t.Fatalf("hdop threshold=%v want 1.5", v)
	}
}

func TestDaemon_OpenFailureReleases(t *testing.T) {
	cfg := testConfig(t)
	prev := openPortFn
	openPortFn = func(driver, path string, baud int) (uart.Port, error) {
		return nil, errors.New("no such device")
	}
	defer func() { openPortFn = prev }()

	if _, err := newDaemon(cfg); err == nil || !strings.Contains(err.Error(), "uart open failed") {
		t.Fatalf("err=%v", err)
	}
}

func TestDaemon_ConsoleWiring(t *testing.T) {
	cfg := testConfig(t)
	withPipe(t)

	d, err := newDaemon(cfg)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	defer d.close()
	if err := d.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var out bytes.Buffer
	if err := d.cons.Exec(context.Background(), "gnss hdop set 3.5", &out); err != nil {
		t.Fatalf("hdop set: %v", err)
	}
	if v, _ := d.svc.Status().HDOPThreshold(); v != 3.5 {
		t.Fatalf("threshold=%v", v)
	}
	if v := d.store.HDOPThreshold(); v != 3.5 {
		t.Fatalf("persisted=%v", v)
	}

	out.Reset()
	if err := d.cons.Exec(context.Background(), "mt3333 state", &out); err != nil {
		t.Fatalf("mt3333 state: %v", err)
	}
	if !strings.Contains(out.String(), "unknown") {
		t.Fatalf("out=%q", out.String())
	}

	deps := d.webDeps(nil)
	if deps.Track == nil || deps.GNSS == nil || deps.Module == nil {
		t.Fatalf("deps=%+v", deps)
	}
}

func TestAttachFixLogger_UsesSecondSlot(t *testing.T) {
	reg := gnss.NewRegistry()
	noop := func(gnss.Event) error { return nil }
	if err := reg.Register(gnss.EventFirstAccurateFix, "tracklog", noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := attachFixLogger(reg); err != nil {
		t.Fatalf("attachFixLogger: %v", err)
	}
	if err := reg.Register(gnss.EventFirstAccurateFix, "third", noop); err == nil {
		t.Fatalf("expected table full")
	}
}

func TestBringUp_RetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	startup := func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("no answer")
		}
		return nil
	}
	done := make(chan struct{})
	go func() {
		bringUp(context.Background(), startup, time.Millisecond, 4*time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("bringUp did not return")
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls=%d want 3", n)
	}
}

func TestBringUp_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		bringUp(ctx, func(context.Context) error {
			calls.Add(1)
			return errors.New("no answer")
		}, time.Hour, time.Hour)
		close(done)
	}()
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("bringUp ignored cancel")
	}
}
