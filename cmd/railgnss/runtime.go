package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"railgnss/internal/capture"
	"railgnss/internal/config"
	"railgnss/internal/console"
	"railgnss/internal/gnss"
	"railgnss/internal/mt3333"
	"railgnss/internal/power"
	"railgnss/internal/store"
	"railgnss/internal/tracklog"
	"railgnss/internal/uart"
	"railgnss/internal/web"
)

// Startup retry bounds when the module does not answer at any baud.
const (
	startupBackoffInitial = 5 * time.Second
	startupBackoffMax     = 2 * time.Minute
)

// openPortFn is swapped in tests.
var openPortFn = uart.Open

type daemon struct {
	cfg config.Config

	store  *store.Store
	port   uart.Port
	replay *capture.Replay
	svc    *gnss.Service
	module *mt3333.Module
	power  *power.Control
	track  *tracklog.Log
	feed   *web.Broadcaster
	cons   *console.Console
	status *web.Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newDaemon opens every configured component. Nothing is started.
func newDaemon(cfg config.Config) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, status: web.NewStatus(), feed: web.NewBroadcaster()}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	d.store, err = store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("store open failed: %w", err)
	}

	hdop := cfg.GNSS.HDOPThreshold
	if v := d.store.HDOPThreshold(); v > 0 {
		hdop = v
	}

	baud := cfg.GNSS.Bauds[0]
	if v := d.store.PreferredBaud(); v > 0 {
		baud = v
	}

	captureMode := ""
	switch {
	case cfg.Capture.Replay.Enable:
		rp := cfg.Capture.Replay
		d.replay, err = capture.OpenReplay(rp.Path, rp.Speed, rp.Loop)
		if err != nil {
			return nil, fmt.Errorf("replay open failed: %w", err)
		}
		d.port = d.replay
		captureMode = "replay"
		log.Printf("capture replay path=%s speed=%g loop=%t", rp.Path, rp.Speed, rp.Loop)
	default:
		d.port, err = openPortFn(cfg.GNSS.Driver, cfg.GNSS.Device, baud)
		if err != nil {
			return nil, fmt.Errorf("uart open failed: %w", err)
		}
		if cfg.Capture.Record.Enable {
			w, err := capture.CreateWriter(cfg.Capture.Record.Path)
			if err != nil {
				return nil, fmt.Errorf("capture create failed: %w", err)
			}
			d.port = capture.NewRecorder(d.port, w)
			captureMode = "record"
			log.Printf("capture record path=%s", cfg.Capture.Record.Path)
		}
	}
	d.status.SetStatic(cfg.GNSS.Device, cfg.GNSS.Driver, captureMode)

	d.svc = gnss.New(gnss.Config{
		Device:        cfg.GNSS.Device,
		Baud:          baud,
		HDOPThreshold: hdop,
		StatusWait:    cfg.GNSS.StatusWait,
	}, d.port)

	pc := cfg.GNSS.Power
	if pc.EnableLine != "" || pc.ResetLine != "" {
		d.power, err = power.Open(power.Config{
			EnableLine:     pc.EnableLine,
			ResetLine:      pc.ResetLine,
			ResetActiveLow: pc.ResetActiveLow,
			Pulse:          pc.Pulse,
		})
		if err != nil {
			return nil, fmt.Errorf("power open failed: %w", err)
		}
	}

	// A nil *power.Control must not become a non-nil Resetter.
	var reset mt3333.Resetter
	if d.power != nil {
		reset = d.power
	}
	d.module = mt3333.New(mt3333.Config{
		Bauds:          cfg.GNSS.Bauds,
		StartupWait:    cfg.GNSS.StartupWait,
		CommandTimeout: cfg.GNSS.CommandTimeout,
		WriteTimeout:   cfg.GNSS.WriteTimeout,
	}, d.svc.Transport(), d.svc.Assembler(), d.svc.Status(), reset, d.store)
	if err := d.module.Attach(d.svc.Registry()); err != nil {
		return nil, err
	}

	if cfg.TrackLog.Enable {
		d.track, err = tracklog.Open(cfg.TrackLog.Path)
		if err != nil {
			return nil, fmt.Errorf("tracklog open failed: %w", err)
		}
		if err := d.track.Attach(d.svc.Registry()); err != nil {
			return nil, err
		}
	}
	if err := d.feed.Attach(d.svc.Registry()); err != nil {
		return nil, err
	}
	if err := attachFixLogger(d.svc.Registry()); err != nil {
		return nil, err
	}

	d.cons = d.console()
	return d, nil
}

func (d *daemon) console() *console.Console {
	c := console.New()
	g := console.GNSS{Service: d.svc, Store: d.store}
	// Typed nils stay out of the interfaces.
	if d.power != nil {
		g.Power = d.power
	}
	if d.track != nil {
		g.Track = d.track
	}
	c.Handle("gnss", g.Handler())
	c.Handle("mt3333", console.MT3333(d.module))
	return c
}

// attachFixLogger logs the first fix and the first fix under the HDOP
// threshold.
func attachFixLogger(reg *gnss.Registry) error {
	logFix := func(ev gnss.Event) error {
		f := ev.Snapshot.Fix
		log.Printf("gnss %s lat=%.6f lon=%.6f hdop=%.2f sats=%d", ev.Kind, f.LatDeg, f.LonDeg, f.HDOP, f.Satellites)
		return nil
	}
	if err := reg.Register(gnss.EventFirstFix, "app", logFix); err != nil {
		return fmt.Errorf("register first fix: %w", err)
	}
	if err := reg.Register(gnss.EventFirstAccurateFix, "app", logFix); err != nil {
		return fmt.Errorf("register first accurate fix: %w", err)
	}
	return nil
}

// start runs the receive stack and the background tasks. The web server
// and console are run by the caller.
func (d *daemon) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.svc.Start(ctx); err != nil {
		cancel()
		return err
	}

	if d.track != nil {
		if err := d.track.Start(ctx); err != nil {
			cancel()
			return err
		}
	}

	if d.replay != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			select {
			case <-ctx.Done():
			case <-d.replay.Done():
				if err := d.replay.Err(); err != nil {
					log.Printf("capture replay stopped: %v", err)
				} else {
					log.Printf("capture replay finished")
				}
			}
		}()
	} else if d.cfg.GNSS.AutoStartupEnabled() {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			bringUp(ctx, func(ctx context.Context) error {
				return d.module.Startup(ctx, d.cfg.GNSS.StartupWait)
			}, startupBackoffInitial, startupBackoffMax)
		}()
	}
	return nil
}

// bringUp retries startup with exponential backoff until it succeeds or ctx
// is done. A module that never answers leaves the daemon running degraded.
func bringUp(ctx context.Context, startup func(ctx context.Context) error, initial, max time.Duration) {
	backoff := initial
	for attempt := 1; ; attempt++ {
		err := startup(ctx)
		if err == nil {
			log.Printf("mt3333 up attempt=%d", attempt)
			return
		}
		if ctx.Err() != nil {
			return
		}
		log.Printf("mt3333 startup failed attempt=%d retry_in=%s: %v", attempt, backoff, err)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff *= 2
		if backoff > max {
			backoff = max
		}
	}
}

func (d *daemon) webDeps(logs *web.LogBuffer) web.Deps {
	deps := web.Deps{
		Status:   d.status,
		GNSS:     d.svc,
		Module:   d.module,
		Console:  d.cons,
		Settings: web.Settings{Status: d.svc.Status(), Store: d.store},
		Logs:     logs,
		Feed:     d.feed,
	}
	if d.track != nil {
		deps.Track = d.track
	}
	return deps
}

// close stops the background tasks and releases every component. It is
// safe on a partially opened daemon.
func (d *daemon) close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	var errs []error
	if d.svc != nil {
		// Closes the port.
		d.svc.Close()
	} else if d.port != nil {
		errs = append(errs, d.port.Close())
	}
	if d.track != nil {
		errs = append(errs, d.track.Close())
	}
	if d.power != nil {
		errs = append(errs, d.power.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func exportTrackLog(cfg config.Config, out string) error {
	if !cfg.TrackLog.Enable {
		return fmt.Errorf("tracklog is not enabled in config")
	}
	l, err := tracklog.Open(cfg.TrackLog.Path)
	if err != nil {
		return err
	}
	defer l.Close()
	n, err := l.Export(out)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "exported %d fixes to %s\n", n, out)
	return nil
}
