/*
scheduler.go - Periodic overdue sweep, reminders and reconciliation

PURPOSE:
  Runs the ledger's batch jobs on cron schedules inside the server process:
  - sweep:     mark past-due invoices overdue, then dispatch reminders
  - reconcile: resolve processing payments and pending refunds

DESIGN:
  - robfig/cron with SkipIfStillRunning, so a slow run never overlaps itself
  - Each run gets its own timeout-bound context
  - Jobs are idempotent; a run missed during downtime is caught up by the next

CONFIGURATION:
  - SweepSchedule:     cron spec or "@every 1h" (empty disables)
  - ReconcileSchedule: cron spec or "@every 10m" (empty disables)

USAGE:
  scheduler, err := NewScheduler(handler, sweepSpec, reconcileSpec, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop(ctx)

SEE ALSO:
  - handlers.go: TriggerSweep / TriggerReconcile (manual runs)
  - billing/sweeper.go: SweepOverdue, DispatchReminders
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// runTimeout bounds a single scheduled run.
const runTimeout = 10 * time.Minute

// Scheduler drives the ledger's periodic jobs.
type Scheduler struct {
	Handler *Handler

	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler registers the sweep and reconcile jobs. An empty spec skips
// that job; an invalid spec is an error.
func NewScheduler(h *Handler, sweepSpec, reconcileSpec string, logger zerolog.Logger) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		Handler: h,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:  logger,
	}
	if sweepSpec != "" {
		if _, err := s.cron.AddFunc(sweepSpec, func() { s.RunSweep(context.Background()) }); err != nil {
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", sweepSpec, err)
		}
	}
	if reconcileSpec != "" {
		if _, err := s.cron.AddFunc(reconcileSpec, func() { s.RunReconcile(context.Background()) }); err != nil {
			return nil, fmt.Errorf("invalid reconcile schedule %q: %w", reconcileSpec, err)
		}
	}
	return s, nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop stops scheduling and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	select {
	case <-s.cron.Stop().Done():
		s.logger.Info().Msg("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("scheduler stop timed out with jobs still running")
	}
}

// RunSweep marks overdue invoices and then dispatches reminders, so an
// invoice that just went overdue is reminded in the same run.
func (s *Scheduler) RunSweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	if _, err := s.Handler.Sweeper.SweepOverdue(ctx); err != nil {
		s.logger.Error().Err(err).Msg("overdue sweep failed")
	}
	if _, err := s.Handler.Sweeper.DispatchReminders(ctx); err != nil {
		s.logger.Error().Err(err).Msg("reminder dispatch failed")
	}
}

// RunReconcile resolves payments and refunds the processor left undecided.
func (s *Scheduler) RunReconcile(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	if _, err := s.Handler.Payments.ReconcilePending(ctx); err != nil {
		s.logger.Error().Err(err).Msg("payment reconciliation failed")
	}
	if _, err := s.Handler.Refunds.ReconcilePending(ctx); err != nil {
		s.logger.Error().Err(err).Msg("refund reconciliation failed")
	}
}

// NextRuns returns the next activation time of each job.
func (s *Scheduler) NextRuns() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
