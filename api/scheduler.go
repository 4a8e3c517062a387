/*
scheduler.go - Automated expiration sweep scheduler

PURPOSE:
  Periodically runs the expiration sweeper so grants past their expiry
  get retired without waiting for a read or an admin to notice them.

DESIGN:
  - Runs a background goroutine with configurable sweep interval
  - Uses an injectable clock so tests advance time instead of sleeping
  - Each tick is independent; a failed sweep is logged and retried on
    the next tick
  - Stop blocks until the loop goroutine has exited

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Enabled:  Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(svc.Sweeper, clock, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - ledger/sweep.go: The sweep itself
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/warp/session-ledger/ledger"
)

// SweepScheduler runs expiration sweeps on a fixed interval.
type SweepScheduler struct {
	Sweeper  *ledger.ExpirationSweeper
	Interval time.Duration
	Enabled  bool

	clock  clockwork.Clock
	log    *logrus.Logger
	ticker clockwork.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler. A nil clock means the real
// clock; a nil log means a default logger.
func NewSweepScheduler(sweeper *ledger.ExpirationSweeper, clock clockwork.Clock, log *logrus.Logger) *SweepScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.New()
	}
	return &SweepScheduler{
		Sweeper:  sweeper,
		Interval: 1 * time.Hour,
		Enabled:  true,
		clock:    clock,
		log:      log,
		stop:     make(chan struct{}),
	}
}

// Start begins the scheduler.
func (ss *SweepScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		ss.log.Info("sweep scheduler disabled, not starting")
		return
	}

	ss.ticker = ss.clock.NewTicker(ss.Interval)
	ss.wg.Add(1)

	go ss.run()

	ss.log.WithField("interval", ss.Interval).Info("sweep scheduler started")
}

// Stop stops the scheduler and waits for the loop to exit.
func (ss *SweepScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		ss.ticker = nil
		ss.log.Info("sweep scheduler stopped")
	}
}

func (ss *SweepScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.sweepOnce()

	for {
		select {
		case <-ss.ticker.Chan():
			ss.sweepOnce()
		case <-ss.stop:
			return
		}
	}
}

func (ss *SweepScheduler) sweepOnce() {
	ctx := context.Background()
	now := ss.clock.Now()

	count, err := ss.Sweeper.Sweep(ctx, now)
	if err != nil {
		ss.log.WithError(err).Error("expiration sweep failed")
		return
	}
	if count > 0 {
		ss.log.WithField("expired", count).Info("expiration sweep retired grants")
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (ss *SweepScheduler) RunNow() {
	ss.sweepOnce()
}
