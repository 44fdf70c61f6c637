/*
scheduler.go - Automated ledger reconciliation scheduler

PURPOSE:
  Periodically recomputes the aggregate ledger of every lab from its
  bookings and repairs drift left by crashed writers or manual edits.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each pass covers the current and the following week of every lab
  - A lab that fails is logged and skipped; the next pass retries it
  - Repairs are idempotent, so overlapping manual runs are harmless

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)
  - Weeks: How many weeks from the current Monday to cover (default: 2)

USAGE:
  scheduler := NewLedgerScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ReconcileLedger endpoint (manual reconciliation)
  - booking/reconcile.go: Engine.Reconcile
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/booking"
	"github.com/rs/zerolog"
)

const passTimeout = 5 * time.Minute

// LedgerScheduler handles automated ledger reconciliation.
type LedgerScheduler struct {
	Engine        *booking.Engine
	CheckInterval time.Duration
	Enabled       bool
	Weeks         int

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewLedgerScheduler creates a new scheduler.
func NewLedgerScheduler(engine *booking.Engine, log zerolog.Logger) *LedgerScheduler {
	return &LedgerScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Weeks:         2,
		log:           log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler.
func (ls *LedgerScheduler) Start() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if !ls.Enabled || ls.CheckInterval <= 0 {
		ls.log.Info().Msg("disabled, not starting")
		return
	}
	if ls.ticker != nil {
		return
	}

	ls.ticker = time.NewTicker(ls.CheckInterval)
	ls.stop = make(chan struct{})
	ls.wg.Add(1)

	go ls.run()

	ls.log.Info().Dur("interval", ls.CheckInterval).Msg("started")
}

// Stop stops the scheduler.
func (ls *LedgerScheduler) Stop() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.ticker != nil {
		ls.ticker.Stop()
		close(ls.stop)
		ls.wg.Wait()
		ls.ticker = nil
		ls.log.Info().Msg("stopped")
	}
}

func (ls *LedgerScheduler) run() {
	defer ls.wg.Done()

	// Run immediately on start
	ls.checkAndProcess()

	for {
		select {
		case <-ls.ticker.C:
			ls.checkAndProcess()
		case <-ls.stop:
			return
		}
	}
}

// RunNow triggers an immediate pass and returns the per-lab reports.
func (ls *LedgerScheduler) RunNow() map[string]*booking.ReconcileReport {
	return ls.checkAndProcess()
}

func (ls *LedgerScheduler) checkAndProcess() map[string]*booking.ReconcileReport {
	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()

	labs, err := ls.Engine.Store().Labs(ctx)
	if err != nil {
		ls.log.Error().Err(err).Msg("failed to list labs")
		return nil
	}

	weeks := ls.Weeks
	if weeks < 1 {
		weeks = 1
	}
	from := ls.Engine.Today().WeekStart()
	to := from.AddDays(7*weeks - 1)

	reports := make(map[string]*booking.ReconcileReport, len(labs))
	repaired := 0
	for _, lab := range labs {
		report, err := ls.Engine.Reconcile(ctx, lab, from, to)
		if err != nil {
			ls.log.Error().Err(err).Str("lab", lab).Msg("reconciliation failed")
			continue
		}
		reports[lab] = report
		if len(report.Drift) > 0 {
			repaired += len(report.Drift)
			ls.log.Warn().
				Str("lab", lab).
				Int("repaired", report.Repaired).
				Int("removed", report.Removed).
				Msg("ledger drift repaired")
		}
	}

	ls.log.Debug().Int("labs", len(labs)).Int("drift", repaired).Msg("reconciliation pass complete")
	return reports
}
