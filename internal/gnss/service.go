// Package gnss is the receive side of the GNSS stack: it owns the frame pool,
// the assembler, the UART transport and the consumer task, and keeps the
// shared receiver status that other tasks read through Snapshot.
package gnss

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"railgnss/internal/frame"
	"railgnss/internal/uart"
)

// Config controls the receive stack.
//
// Device and Baud are informational here; the port is opened by the caller
// so that it can be wrapped (capture) or replaced (replay).
type Config struct {
	Device        string
	Baud          int
	HDOPThreshold float64
	// StatusWait bounds every status semaphore acquire. Zero uses
	// DefaultStatusWait.
	StatusWait time.Duration
}

// Stats aggregates the counters of every layer.
type Stats struct {
	UART     uart.Stats    `json:"uart"`
	Frame    frame.Stats   `json:"frame"`
	Consumer ConsumerStats `json:"consumer"`
	PoolFree int           `json:"pool_free"`
	Queued   int           `json:"queued"`
	Mode     string        `json:"mode"`
}

type Service struct {
	cfg Config

	pool      *frame.Pool
	asm       *frame.Assembler
	status    *Status
	reg       *Registry
	consumer  *Consumer
	transport *uart.Transport

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, port uart.Port) *Service {
	s := &Service{cfg: cfg}
	s.pool = frame.NewPool()
	s.asm = frame.NewAssembler(s.pool)
	s.status = NewStatus()
	if cfg.StatusWait > 0 {
		s.status.wait = cfg.StatusWait
	}
	if cfg.HDOPThreshold > 0 {
		s.status.hdopThreshold = cfg.HDOPThreshold
	}
	s.reg = NewRegistry()
	s.consumer = NewConsumer(s.asm, s.status, s.reg)
	s.transport = uart.NewTransport(port, cfg.Baud, s.asm)
	return s
}

func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("gnss service is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	childCtx, cancel := context.WithCancel(ctx)
	if err := s.transport.Start(childCtx); err != nil {
		cancel()
		return err
	}
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.consumer.Run(childCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("gnss consumer stopped: %v", err)
		}
	}()

	log.Printf("gnss enabled device=%s baud=%d hdop_threshold=%.1f", s.cfg.Device, s.cfg.Baud, s.status.hdopThreshold)
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := s.transport.Close(); err != nil {
		log.Printf("gnss close: %v", err)
	}
	s.wg.Wait()
}

func (s *Service) Transport() *uart.Transport  { return s.transport }
func (s *Service) Assembler() *frame.Assembler { return s.asm }
func (s *Service) Status() *Status             { return s.status }
func (s *Service) Registry() *Registry         { return s.reg }
func (s *Service) Consumer() *Consumer         { return s.consumer }

// Inject feeds bytes into the receive path as if the UART had delivered
// them.
func (s *Service) Inject(p []byte) {
	s.asm.Feed(p)
}

// Snapshot returns a copy of the shared status.
func (s *Service) Snapshot() (Snapshot, error) {
	return s.status.Snapshot()
}

func (s *Service) Stats() Stats {
	return Stats{
		UART:     s.transport.Stats(),
		Frame:    s.asm.Stats(),
		Consumer: s.consumer.Stats(),
		PoolFree: s.pool.Free(),
		Queued:   s.pool.Queued(),
		Mode:     s.asm.Mode().String(),
	}
}
