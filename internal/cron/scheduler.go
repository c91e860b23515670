// Package cron runs the bridge's housekeeping jobs on a cron schedule. The
// only job today prunes old request and audit rows.
package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/walletbridge/internal/persistence"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 1h" or "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Retainer prunes rows older than a number of days.
type Retainer interface {
	RunRetention(ctx context.Context, days int) (persistence.RetentionResult, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store  Retainer
	Logger *slog.Logger
	// Schedule is a cron expression or descriptor; defaults to "@every 1h".
	Schedule string
	// RetentionDays of 0 disables pruning.
	RetentionDays int
}

// Scheduler runs the retention job.
type Scheduler struct {
	store    Retainer
	logger   *slog.Logger
	schedule cronlib.Schedule
	spec     string

	mu   sync.Mutex
	days int

	runner *cronlib.Cron
	cancel context.CancelFunc
}

// NewScheduler creates a Scheduler. It fails on an unparsable schedule.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("cron: store is required")
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = "@every 1h"
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		schedule: sched,
		spec:     spec,
		days:     cfg.RetentionDays,
	}, nil
}

// SetRetentionDays changes the window used by later runs.
func (s *Scheduler) SetRetentionDays(days int) {
	s.mu.Lock()
	s.days = days
	s.mu.Unlock()
}

// Start runs the job once immediately, then on the schedule, until Stop or
// ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.runner = cronlib.New(cronlib.WithParser(cronParser))
	s.runner.Schedule(s.schedule, cronlib.FuncJob(func() { s.RunOnce(ctx) }))
	s.runner.Start()
	go s.RunOnce(ctx)
	s.logger.Info("cron scheduler started", "schedule", s.spec)
}

// Stop cancels the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.runner != nil {
		<-s.runner.Stop().Done()
	}
	s.logger.Info("cron scheduler stopped")
}

// RunOnce prunes rows older than the retention window.
func (s *Scheduler) RunOnce(ctx context.Context) (persistence.RetentionResult, error) {
	if ctx.Err() != nil {
		return persistence.RetentionResult{}, ctx.Err()
	}
	s.mu.Lock()
	days := s.days
	s.mu.Unlock()
	if days <= 0 {
		return persistence.RetentionResult{}, nil
	}
	res, err := s.store.RunRetention(ctx, days)
	if err != nil {
		s.logger.Error("cron: retention failed", "error", err)
		return res, err
	}
	if res.PurgedRequests > 0 || res.PurgedAuditLogs > 0 {
		s.logger.Info("cron: retention purged rows",
			"requests", res.PurgedRequests,
			"audit_logs", res.PurgedAuditLogs,
			"days", days,
		)
	}
	return res, nil
}

// Next returns the next run time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
