// Package scheduler runs the daily rollover of incomplete tasks.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"todoline/internal/domain"
)

type Store interface {
	Rollover(ctx context.Context, from, to string) (int, error)
	CleanupOld(ctx context.Context, retentionDays int) (int, error)
}

type Config struct {
	Store         Store
	HourUTC       int
	RetentionDays int
	Now           func() time.Time
	Logger        *slog.Logger
	// OnRollover runs after each successful scheduled or manual rollover.
	OnRollover func(ctx context.Context, to string, moved int)
}

type Scheduler struct {
	store      Store
	hour       int
	retention  int
	now        func() time.Time
	log        *slog.Logger
	onRollover func(ctx context.Context, to string, moved int)

	mu           sync.Mutex
	lastRollover string
}

func New(cfg Config) *Scheduler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      cfg.Store,
		hour:       cfg.HourUTC,
		retention:  cfg.RetentionDays,
		now:        now,
		log:        logger.With("component", "scheduler"),
		onRollover: cfg.OnRollover,
	}
}

// NextRun returns the next HH:00 UTC strictly after now.
func NextRun(now time.Time, hour int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run fires Tick once a day at the configured hour until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("rollover scheduler started", "hour_utc", s.hour)
	for {
		next := NextRun(s.now(), s.hour)
		wait := next.Sub(s.now())
		s.log.Debug("next rollover scheduled", "at", next.Format(time.RFC3339), "in", wait.String())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("rollover scheduler stopped")
			return
		case <-timer.C:
		}
		s.Tick(ctx)
	}
}

// Tick rolls yesterday's open tasks into today at most once per UTC day. A
// failed rollover is logged and leaves the guard unset so a later tick retries.
func (s *Scheduler) Tick(ctx context.Context) {
	today := domain.Today(s.now())
	s.mu.Lock()
	done := s.lastRollover == today
	s.mu.Unlock()
	if done {
		s.log.Debug("rollover already ran today", "date", today)
		return
	}
	yesterday, err := domain.AddDays(today, -1)
	if err != nil {
		s.log.Error("rollover skipped", "err", err)
		return
	}
	moved, err := s.store.Rollover(ctx, yesterday, today)
	if err != nil {
		s.log.Error("scheduled rollover failed", "from", yesterday, "to", today, "err", err)
		return
	}
	s.mu.Lock()
	s.lastRollover = today
	s.mu.Unlock()
	s.log.Info("scheduled rollover complete", "from", yesterday, "to", today, "moved", moved)
	if s.onRollover != nil {
		s.onRollover(ctx, today, moved)
	}
	if s.retention > 0 {
		if _, err := s.store.CleanupOld(ctx, s.retention); err != nil {
			s.log.Error("retention cleanup failed", "days", s.retention, "err", err)
		}
	}
}

// Result reports the dates a rollover actually used.
type Result struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Moved int    `json:"moved"`
}

// Manual runs a rollover outside the schedule. Empty dates default to
// yesterday and today. It neither reads nor updates the daily guard.
func (s *Scheduler) Manual(ctx context.Context, from, to string) (Result, error) {
	today := domain.Today(s.now())
	if to == "" {
		to = today
	}
	if from == "" {
		prev, err := domain.AddDays(to, -1)
		if err != nil {
			return Result{}, err
		}
		from = prev
	}
	moved, err := s.store.Rollover(ctx, from, to)
	if err != nil {
		return Result{}, err
	}
	s.log.Info("manual rollover complete", "from", from, "to", to, "moved", moved)
	if s.onRollover != nil {
		s.onRollover(ctx, to, moved)
	}
	return Result{From: from, To: to, Moved: moved}, nil
}

func (s *Scheduler) LastRollover() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRollover
}
