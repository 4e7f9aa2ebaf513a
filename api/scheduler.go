/*
scheduler.go - Automated referral expiry scheduler

PURPOSE:
  Periodically expires referrals whose reward window has passed, so they
  stop counting toward the referrer's active referral limit.

DESIGN:
  - Runs on a robfig/cron schedule ("@every <interval>")
  - Overlapping runs are skipped, panics are recovered and logged
  - Each run calls Engine.ExpireReferrals with the scheduler's clock
  - Referrals that changed concurrently are skipped by the engine

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewExpiryScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ExpireReferrals endpoint (manual sweep)
  - incentive/referral.go: ExpireReferrals
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/incentive-engine/incentive"
)

// ExpiryScheduler handles automated referral expiry.
type ExpiryScheduler struct {
	Engine        *incentive.Engine
	Logger        *slog.Logger
	CheckInterval time.Duration
	Enabled       bool
	Now           func() time.Time

	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.Mutex
	lastRun SweepResult
}

// SweepResult records the outcome of the latest sweep.
type SweepResult struct {
	At      time.Time
	Expired int
	Err     error
}

// NewExpiryScheduler creates a new scheduler.
func NewExpiryScheduler(engine *incentive.Engine, logger *slog.Logger) *ExpiryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryScheduler{
		Engine:        engine,
		Logger:        logger,
		CheckInterval: time.Hour,
		Enabled:       true,
		Now:           time.Now,
	}
}

// Start registers the sweep and starts the cron runner. The first sweep runs
// immediately.
func (s *ExpiryScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("expiry scheduler disabled")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	cronLog := cron.PrintfLogger(slog.NewLogLogger(s.Logger.Handler(), slog.LevelWarn))
	c := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	id, err := c.AddFunc(fmt.Sprintf("@every %s", s.CheckInterval), s.RunNow)
	if err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}
	s.cron = c
	s.entryID = id
	c.Start()
	go s.RunNow()

	s.Logger.Info("expiry scheduler started", "interval", s.CheckInterval.String())
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		s.Logger.Info("expiry scheduler stopped")
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *ExpiryScheduler) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	now := s.Now()
	n, err := s.Engine.ExpireReferrals(ctx, now)
	if err != nil {
		s.Logger.Error("referral expiry sweep failed", "error", err, "expired", n)
	} else if n > 0 {
		s.Logger.Info("referral expiry sweep completed", "expired", n)
	}

	s.mu.Lock()
	s.lastRun = SweepResult{At: now, Expired: n, Err: err}
	s.mu.Unlock()
}

// LastRun returns the result of the most recent sweep.
func (s *ExpiryScheduler) LastRun() SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// GetNextRunTime returns when the next scheduled sweep will occur, or the zero
// time when the scheduler is not running.
func (s *ExpiryScheduler) GetNextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}
