// Package view implements the live task-list session shown to a user.
package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"todoline/internal/domain"
	"todoline/internal/registry"
	"todoline/internal/surface"
)

const DefaultTTL = 300 * time.Second

var (
	ErrNotOwner = errors.New("only the list owner can modify these tasks")
	ErrExpired  = errors.New("task list session expired")
)

// Store is the subset of the task store a view reads and toggles.
type Store interface {
	Tasks(ctx context.Context, tenant domain.Tenant, date string, includeDone bool) ([]domain.Task, error)
	TaskByID(ctx context.Context, tenant domain.Tenant, id int64) (domain.Task, error)
	MarkDone(ctx context.Context, tenant domain.Tenant, id int64) (bool, error)
	MarkUndone(ctx context.Context, tenant domain.Tenant, id int64) (bool, error)
}

type Config struct {
	Store    Store
	Registry *registry.Registry
	Surface  surface.Surface
	Tenant   domain.Tenant
	Date     string
	TTL      time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// TaskListView is a registry.Session backed by a display surface. It stays
// registered until its TTL elapses, it is expired explicitly, or its surface
// reports it is gone.
type TaskListView struct {
	id    string
	key   registry.Key
	store Store
	reg   *registry.Registry
	surf  surface.Surface
	now   func() time.Time
	log   *slog.Logger

	// render serializes surface updates so the final disabled render of
	// Expire is always the last one delivered.
	render sync.Mutex

	mu      sync.Mutex
	content surface.Content
	expired bool
	expires time.Time
	timer   *time.Timer
}

// Open renders the current list to the surface, registers the view and arms its TTL.
func Open(ctx context.Context, cfg Config) (*TaskListView, error) {
	if cfg.Store == nil || cfg.Surface == nil {
		return nil, fmt.Errorf("view requires a store and a surface")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	date := cfg.Date
	if date == "" {
		date = domain.Today(now())
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	v := &TaskListView{
		id:    uuid.NewString(),
		key:   registry.NewKey(cfg.Tenant, date),
		store: cfg.Store,
		reg:   cfg.Registry,
		surf:  cfg.Surface,
		now:   now,
	}
	v.log = logger.With("component", "view", "session", v.id)
	if err := v.Refresh(ctx); err != nil {
		return nil, err
	}
	if v.reg != nil {
		v.reg.Register(v)
	}
	v.mu.Lock()
	v.expires = now().Add(ttl)
	v.timer = time.AfterFunc(ttl, func() { v.Expire(context.Background()) })
	v.mu.Unlock()
	return v, nil
}

func (v *TaskListView) ID() string        { return v.id }
func (v *TaskListView) Key() registry.Key { return v.key }

// Content returns the most recent render.
func (v *TaskListView) Content() surface.Content {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.content
}

func (v *TaskListView) ExpiresAt() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.expires
}

func (v *TaskListView) Expired() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.expired
}

func (v *TaskListView) draw(tasks []domain.Task, disabled bool) surface.Content {
	c := surface.Content{
		SessionID: v.id,
		Date:      v.key.Date,
		Text:      Render(tasks, v.key.Date, domain.Today(v.now())),
		Tasks:     tasks,
		Disabled:  disabled,
	}
	if !disabled {
		c.Buttons = Buttons(tasks)
	}
	return c
}

// Refresh re-reads the list from the store and redraws it. Surface errors are
// returned unchanged so callers can classify them. A surface that reports it
// is gone expires the view without a final render.
func (v *TaskListView) Refresh(ctx context.Context) error {
	v.render.Lock()
	defer v.render.Unlock()
	if v.Expired() {
		return nil
	}
	tasks, err := v.store.Tasks(ctx, v.key.Tenant, v.key.Date, true)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	if v.Expired() {
		return nil
	}
	c := v.draw(tasks, false)
	if err := v.surf.Update(ctx, c); err != nil {
		if errors.Is(err, surface.ErrGone) && v.markExpired() {
			if v.reg != nil {
				v.reg.Unregister(v)
			}
			v.mu.Lock()
			v.content.Disabled = true
			v.content.Buttons = nil
			v.mu.Unlock()
			v.log.Info("surface gone, session expired", "err", err)
		}
		return err
	}
	v.mu.Lock()
	v.content = c
	v.mu.Unlock()
	return nil
}

// markExpired flags the view expired and stops its timer. It reports false
// when the view was already expired.
func (v *TaskListView) markExpired() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.expired {
		return false
	}
	v.expired = true
	if v.timer != nil {
		v.timer.Stop()
	}
	return true
}

// Toggle flips a task between done and open on behalf of actorID, then
// refreshes every session showing this list.
func (v *TaskListView) Toggle(ctx context.Context, actorID, taskID int64) (domain.Task, error) {
	if v.Expired() {
		return domain.Task{}, ErrExpired
	}
	if actorID != v.key.UserID {
		v.log.Debug("toggle rejected", "actor", actorID, "owner", v.key.UserID)
		return domain.Task{}, ErrNotOwner
	}
	task, err := v.store.TaskByID(ctx, v.key.Tenant, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	var ok bool
	if task.Done {
		ok, err = v.store.MarkUndone(ctx, v.key.Tenant, taskID)
	} else {
		ok, err = v.store.MarkDone(ctx, v.key.Tenant, taskID)
	}
	if err != nil {
		return domain.Task{}, err
	}
	if ok {
		task.Done = !task.Done
		v.log.Info("task toggled", "task", taskID, "done", task.Done)
	}
	if v.reg != nil {
		v.reg.Notify(ctx, v.key)
	} else if err := v.Refresh(ctx); err != nil {
		v.log.Warn("refresh after toggle failed", "err", err)
	}
	return task, nil
}

// Expire unregisters the view and pushes a final render with controls disabled.
// Calling it more than once is a no-op.
func (v *TaskListView) Expire(ctx context.Context) {
	if !v.markExpired() {
		return
	}
	if v.reg != nil {
		v.reg.Unregister(v)
	}

	v.render.Lock()
	defer v.render.Unlock()
	v.mu.Lock()
	final := v.content
	v.mu.Unlock()
	final.Disabled = true
	final.Buttons = nil
	if err := v.surf.Update(ctx, final); err != nil {
		v.log.Debug("final render not delivered", "err", err)
	}
	v.mu.Lock()
	v.content = final
	v.mu.Unlock()
	v.log.Debug("session expired")
}
