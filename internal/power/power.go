// Package power switches the GNSS module supply and reset lines.
package power

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Line is one digital output.
type Line interface {
	SetValue(v int) error
	Close() error
}

var ErrNotWired = errors.New("power: no enable or reset line configured")

type Config struct {
	// EnableLine and ResetLine are GPIO line names (e.g. "GPIO17"). Either
	// may be empty.
	EnableLine string
	ResetLine  string
	// ResetActiveLow drives the reset line low to hold the module in reset.
	ResetActiveLow bool
	// Pulse is how long reset is held (or supply kept off).
	Pulse time.Duration
}

// Control drives the module lines. A nil line is simply not used.
type Control struct {
	cfg    Config
	enable Line
	reset  Line

	mu sync.Mutex
	on bool
}

// Open requests the configured GPIO lines. The module is powered on and
// released from reset.
func Open(cfg Config) (*Control, error) {
	var enable, reset Line
	var err error
	if cfg.EnableLine != "" {
		enable, err = openLineFn(cfg.EnableLine, 1)
		if err != nil {
			return nil, err
		}
	}
	if cfg.ResetLine != "" {
		reset, err = openLineFn(cfg.ResetLine, releasedLevel(cfg))
		if err != nil {
			if enable != nil {
				_ = enable.Close()
			}
			return nil, err
		}
	}
	c := New(cfg, enable, reset)
	log.Printf("power lines enable=%q reset=%q", cfg.EnableLine, cfg.ResetLine)
	return c, nil
}

func New(cfg Config, enable, reset Line) *Control {
	if cfg.Pulse <= 0 {
		cfg.Pulse = 100 * time.Millisecond
	}
	return &Control{cfg: cfg, enable: enable, reset: reset, on: true}
}

func releasedLevel(cfg Config) int {
	if cfg.ResetActiveLow {
		return 1
	}
	return 0
}

// Wired reports whether any line is available.
func (c *Control) Wired() bool {
	return c != nil && (c.enable != nil || c.reset != nil)
}

func (c *Control) IsOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.on
}

func (c *Control) On() error  { return c.setSupply(true) }
func (c *Control) Off() error { return c.setSupply(false) }

func (c *Control) setSupply(on bool) error {
	if c.enable == nil {
		return fmt.Errorf("power: no enable line: %w", ErrNotWired)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v := 0
	if on {
		v = 1
	}
	if err := c.enable.SetValue(v); err != nil {
		return fmt.Errorf("power: set enable=%d: %w", v, err)
	}
	c.on = on
	return nil
}

// Reset restarts the module: a pulse on the reset line when there is one,
// otherwise a supply cycle.
func (c *Control) Reset(ctx context.Context) error {
	if !c.Wired() {
		return ErrNotWired
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reset != nil {
		asserted := 1 - releasedLevel(c.cfg)
		if err := c.reset.SetValue(asserted); err != nil {
			return fmt.Errorf("power: assert reset: %w", err)
		}
		err := sleep(ctx, c.cfg.Pulse)
		if rerr := c.reset.SetValue(releasedLevel(c.cfg)); rerr != nil {
			return fmt.Errorf("power: release reset: %w", rerr)
		}
		return err
	}

	if err := c.enable.SetValue(0); err != nil {
		return fmt.Errorf("power: supply off: %w", err)
	}
	err := sleep(ctx, c.cfg.Pulse)
	if onErr := c.enable.SetValue(1); onErr != nil {
		return fmt.Errorf("power: supply on: %w", onErr)
	}
	c.on = true
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the lines, leaving the module powered.
func (c *Control) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.reset != nil {
		errs = append(errs, c.reset.Close())
		c.reset = nil
	}
	if c.enable != nil {
		errs = append(errs, c.enable.Close())
		c.enable = nil
	}
	return errors.Join(errs...)
}
