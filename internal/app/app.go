// Package app wires the store, session registry, engine and scheduler together.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"todoline/internal/config"
	"todoline/internal/engine"
	"todoline/internal/registry"
	"todoline/internal/repo"
	"todoline/internal/scheduler"
)

type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Repo      *repo.Repo
	Registry  *registry.Registry
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler

	wg sync.WaitGroup
}

type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// New opens the store and builds every component from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r, err := repo.Open(ctx, repo.Config{
		Path:   cfg.Database.Path,
		Retry:  repo.RetryPolicy{Retries: cfg.Database.RetryCount, Delay: cfg.Database.RetryDelay},
		Now:    now,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	reg := registry.New(logger)
	eng := engine.New(r, reg)
	eng.Now = now
	eng.Logger = logger
	eng.SessionTTL = cfg.Sessions.TTL
	eng.CallbackHosts = cfg.Sessions.CallbackHosts
	sched := scheduler.New(scheduler.Config{
		Store:         r,
		HourUTC:       cfg.Rollover.HourUTC,
		RetentionDays: cfg.Retention.Days,
		Now:           now,
		Logger:        logger,
		OnRollover:    eng.NotifyDate,
	})
	eng.Scheduler = sched
	logger.Info("storage ready", "path", r.Path())
	return &App{
		Config:    cfg,
		Logger:    logger,
		Repo:      r,
		Registry:  reg,
		Engine:    eng,
		Scheduler: sched,
	}, nil
}

// Start launches the rollover scheduler when enabled. It stops with ctx.
func (a *App) Start(ctx context.Context) {
	if !a.Config.Rollover.Enabled {
		a.Logger.Info("automatic rollover disabled")
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Scheduler.Run(ctx)
	}()
}

// Close waits for background work started with a cancelled ctx and closes the store.
func (a *App) Close() error {
	a.wg.Wait()
	return a.Repo.Close()
}
