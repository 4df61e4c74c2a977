package mt3333

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"railgnss/internal/frame"
	"railgnss/internal/nmea"
)

// Startup brings the module up. For every candidate baud (persisted rate
// first) it resets the module and waits up to maxWait for the startup
// message. A silent candidate gets one binary-to-NMEA recovery packet before
// the next rate is tried, and a rate the transport rejects is skipped. On
// success the baud is persisted and the fix latches are re-armed; on failure
// the state is left Unknown.
func (m *Module) Startup(ctx context.Context, maxWait time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if maxWait <= 0 {
		maxWait = m.cfg.StartupWait
	}
	if err := m.acquire(ctx, m.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("mt3333 startup: %w", err)
	}
	defer m.release()

	m.setState(StateStartingUp)
	if m.status != nil {
		if err := m.status.ResetFixLatches(); err != nil {
			log.Printf("mt3333 startup: reset fix latches: %v", err)
		}
	}

	for _, baud := range m.candidates() {
		if err := m.tx.SetBaud(baud); err != nil {
			m.skippedBauds.Add(1)
			log.Printf("mt3333 startup skip baud=%d: %v", baud, err)
			continue
		}
		ok, err := m.tryBaud(ctx, baud, maxWait)
		if err == nil && !ok {
			// The module may still be in binary output mode from an
			// interrupted EPO transfer.
			log.Printf("mt3333 startup no response baud=%d, sending binary mode exit", baud)
			if werr := m.write(nmea.SetNMEAModePacket()); werr != nil {
				log.Printf("mt3333 startup binary mode exit failed: %v", werr)
			}
			ok, err = m.tryBaud(ctx, baud, maxWait)
		}
		if err != nil {
			m.setState(StateUnknown)
			return fmt.Errorf("mt3333 startup baud=%d: %w", baud, err)
		}
		if !ok {
			continue
		}
		m.setState(StateUp)
		if m.store != nil && m.store.PreferredBaud() != baud {
			if err := m.store.SavePreferredBaud(baud); err != nil {
				log.Printf("mt3333 persist baud=%d failed: %v", baud, err)
			}
		}
		log.Printf("mt3333 up baud=%d", baud)
		return nil
	}

	m.setState(StateUnknown)
	log.Printf("mt3333 startup failed bauds=%v", m.candidates())
	return ErrStartup
}

// candidates lists the persisted baud followed by the configured ones,
// without duplicates.
func (m *Module) candidates() []int {
	out := make([]int, 0, len(m.cfg.Bauds)+1)
	seen := map[int]bool{}
	add := func(b int) {
		if b > 0 && !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	if m.store != nil {
		add(m.store.PreferredBaud())
	}
	for _, b := range m.cfg.Bauds {
		add(b)
	}
	return out
}

// SkippedBauds counts startup candidates the transport rejected.
func (m *Module) SkippedBauds() uint64 { return m.skippedBauds.Load() }

// tryBaud reports whether the startup message arrived at baud, which the
// transport is already set to. Errors are only returned for cancellation.
func (m *Module) tryBaud(ctx context.Context, baud int, maxWait time.Duration) (bool, error) {
	m.framer.SetMode(frame.ModeASCII)
	m.arm(0, TypeStartup)
	defer m.disarm()

	if m.reset != nil {
		if err := m.reset.Reset(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false, err
			}
			log.Printf("mt3333 reset failed baud=%d: %v", baud, err)
		}
	} else {
		// No reset line: a hot restart makes the module print its startup
		// message too.
		_ = m.write(nmea.Format("PMTK101"))
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for {
		select {
		case <-m.ack:
			if m.matched() {
				return true, nil
			}
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
