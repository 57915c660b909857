/*
scheduler.go - Periodic recurring sweep

PURPOSE:
  Runs a global ledger.Discharger sweep on a fixed interval so templates
  fire even for owners who never open their transaction list.

DESIGN:
  - One background goroutine with a ticker
  - Sweeps immediately on start, then every Interval
  - Each sweep is bounded by the interval so a stuck store cannot pile
    up overlapping runs
  - Exactly-once firing is the Discharger's job; running this next to
    eager sweeps or a cron'd `ledgerctl sweep` is safe

USAGE:
  scheduler := NewSweepScheduler(svc.Discharger(), &log)
  scheduler.Interval = cfg.Sweep.Interval
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/finance-ledger/ledger"
)

type SweepScheduler struct {
	Discharger *ledger.Discharger
	Interval   time.Duration
	Enabled    bool

	log     zerolog.Logger
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
}

func NewSweepScheduler(d *ledger.Discharger, logger *zerolog.Logger) *SweepScheduler {
	s := &SweepScheduler{
		Discharger: d,
		Interval:   24 * time.Hour,
		Enabled:    true,
		log:        zerolog.Nop(),
	}
	if logger != nil {
		s.log = logger.With().Str("component", "sweep_scheduler").Logger()
	}
	return s
}

// Start begins the scheduler. Calling it twice is a no-op.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.Info().Dur("interval", s.Interval).Msg("started")
}

// Stop stops the scheduler and waits for an in-flight sweep to return.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("stopped")
}

func (s *SweepScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-stop:
			return
		}
	}
}

func (s *SweepScheduler) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.Interval)
	defer cancel()

	if _, err := s.RunNow(ctx); err != nil {
		s.log.Error().Err(err).Msg("sweep failed")
	}
}

// RunNow runs one global sweep synchronously.
func (s *SweepScheduler) RunNow(ctx context.Context) (*ledger.SweepResult, error) {
	res, err := s.Discharger.RunDue(ctx, ledger.Scope{})

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()
	return res, err
}

// NextRunTime returns when the next scheduled sweep will occur.
func (s *SweepScheduler) NextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun.IsZero() {
		return time.Now()
	}
	return s.lastRun.Add(s.Interval)
}
