package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig controls when the nightly reconciliation pass runs.
type SchedulerConfig struct {
	Reconciler *Reconciler
	RunHour    int
	RunMinute  int
	Location   *time.Location
	Logger     *slog.Logger
}

// Scheduler triggers one reconciliation pass per day at the configured local
// time.
type Scheduler struct {
	reconciler *Reconciler
	runHour    int
	runMinute  int
	location   *time.Location
	log        *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		runHour:    clampHour(cfg.RunHour),
		runMinute:  clampMinute(cfg.RunMinute),
		location:   loc,
		log:        logger,
	}
}

// Start blocks until the context is cancelled, running the reconciler once per
// scheduled slot. Intended to be launched on its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	for {
		now := time.Now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.reconciler.Run(ctx, RunOptions{}); err != nil {
				s.log.Error("scheduled reconciliation failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Scheduler) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func clampHour(h int) int {
	if h < 0 || h > 23 {
		return 0
	}
	return h
}

func clampMinute(m int) int {
	if m < 0 || m > 59 {
		return 0
	}
	return m
}
