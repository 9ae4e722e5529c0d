package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"todoline/internal/domain"
	"todoline/internal/registry"
	"todoline/internal/repo"
	"todoline/internal/scheduler"
	"todoline/internal/surface"
	"todoline/internal/validate"
	"todoline/internal/view"
)

// ErrSessionNotFound reports an unknown or expired session id.
var ErrSessionNotFound = errors.New("session not found")

// Store is the task store the engine drives.
type Store interface {
	view.Store
	AddTask(ctx context.Context, tenant domain.Tenant, description string, priority domain.Priority, date string) (domain.Task, error)
	UpdateTask(ctx context.Context, tenant domain.Tenant, id int64, description *string, priority *domain.Priority) (bool, error)
	DeleteTask(ctx context.Context, tenant domain.Tenant, id int64) (bool, error)
	ClearCompleted(ctx context.Context, tenant domain.Tenant, date string) (int, error)
	CleanupOld(ctx context.Context, retentionDays int) (int, error)
	Rollover(ctx context.Context, from, to string) (int, error)
	UserContexts(ctx context.Context, date string) ([]domain.Tenant, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

// Engine validates requests, applies them to the store and refreshes every
// live session showing the affected list.
type Engine struct {
	Store     Store
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	// SessionTTL is the default and the maximum session lifetime.
	SessionTTL time.Duration
	// CallbackHosts lists the hosts webhook sessions may deliver to.
	CallbackHosts []string
	Now           func() time.Time
	Logger        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*view.TaskListView
}

func New(store Store, reg *registry.Registry) *Engine {
	return &Engine{
		Store:      store,
		Registry:   reg,
		SessionTTL: view.DefaultTTL,
		Now:        time.Now,
		sessions:   make(map[string]*view.TaskListView),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Today is the current UTC date on the engine clock.
func (e *Engine) Today() string { return domain.Today(e.now()) }

func (e *Engine) dateOrToday(date string) string {
	if date == "" {
		return domain.Today(e.now())
	}
	return date
}

func (e *Engine) notify(ctx context.Context, tenant domain.Tenant, date string) {
	if e.Registry == nil {
		return
	}
	e.Registry.Notify(ctx, registry.NewKey(tenant, e.dateOrToday(date)))
}

// AddTaskOptions are parameters for creating a task.
type AddTaskOptions struct {
	Tenant      domain.Tenant
	Description string
	Priority    string
	Date        string
}

func (e *Engine) AddTask(ctx context.Context, opts AddTaskOptions) (domain.Task, error) {
	desc, err := validate.Description(opts.Description)
	if err != nil {
		return domain.Task{}, err
	}
	p, err := validate.Priority(opts.Priority)
	if err != nil {
		return domain.Task{}, err
	}
	date, err := validate.Date(opts.Date)
	if err != nil {
		return domain.Task{}, err
	}
	task, err := e.Store.AddTask(ctx, opts.Tenant, desc, p, date)
	if err != nil {
		return domain.Task{}, err
	}
	e.logger().Info("task added", "task", task.ID, "tenant", opts.Tenant.String(), "date", task.TaskDate, "priority", string(task.Priority))
	e.notify(ctx, opts.Tenant, task.TaskDate)
	return task, nil
}

func (e *Engine) ListTasks(ctx context.Context, tenant domain.Tenant, date string, includeDone bool) ([]domain.Task, error) {
	d, err := validate.Date(date)
	if err != nil {
		return nil, err
	}
	return e.Store.Tasks(ctx, tenant, d, includeDone)
}

func (e *Engine) GetTask(ctx context.Context, tenant domain.Tenant, id int64) (domain.Task, error) {
	if _, err := validate.TaskID(id); err != nil {
		return domain.Task{}, err
	}
	return e.Store.TaskByID(ctx, tenant, id)
}

// EditTaskOptions changes the description, the priority, or both.
type EditTaskOptions struct {
	Tenant      domain.Tenant
	ID          int64
	Description *string
	Priority    *string
}

func (e *Engine) EditTask(ctx context.Context, opts EditTaskOptions) (domain.Task, error) {
	if opts.Description == nil && opts.Priority == nil {
		return domain.Task{}, &validate.Error{Field: "task", Message: "provide a new description or priority"}
	}
	if _, err := validate.TaskID(opts.ID); err != nil {
		return domain.Task{}, err
	}
	var desc *string
	if opts.Description != nil {
		d, err := validate.Description(*opts.Description)
		if err != nil {
			return domain.Task{}, err
		}
		desc = &d
	}
	var prio *domain.Priority
	if opts.Priority != nil {
		p, err := validate.Priority(*opts.Priority)
		if err != nil {
			return domain.Task{}, err
		}
		prio = &p
	}
	ok, err := e.Store.UpdateTask(ctx, opts.Tenant, opts.ID, desc, prio)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, repo.ErrNotFound
	}
	task, err := e.Store.TaskByID(ctx, opts.Tenant, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	e.notify(ctx, opts.Tenant, task.TaskDate)
	return task, nil
}

func (e *Engine) setDone(ctx context.Context, tenant domain.Tenant, id int64, done bool) (domain.Task, error) {
	task, err := e.GetTask(ctx, tenant, id)
	if err != nil {
		return domain.Task{}, err
	}
	var ok bool
	if done {
		ok, err = e.Store.MarkDone(ctx, tenant, id)
	} else {
		ok, err = e.Store.MarkUndone(ctx, tenant, id)
	}
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, repo.ErrNotFound
	}
	task.Done = done
	e.notify(ctx, tenant, task.TaskDate)
	return task, nil
}

func (e *Engine) MarkDone(ctx context.Context, tenant domain.Tenant, id int64) (domain.Task, error) {
	return e.setDone(ctx, tenant, id, true)
}

func (e *Engine) MarkUndone(ctx context.Context, tenant domain.Tenant, id int64) (domain.Task, error) {
	return e.setDone(ctx, tenant, id, false)
}

func (e *Engine) DeleteTask(ctx context.Context, tenant domain.Tenant, id int64) (domain.Task, error) {
	task, err := e.GetTask(ctx, tenant, id)
	if err != nil {
		return domain.Task{}, err
	}
	ok, err := e.Store.DeleteTask(ctx, tenant, id)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, repo.ErrNotFound
	}
	e.logger().Info("task deleted", "task", id, "tenant", tenant.String())
	e.notify(ctx, tenant, task.TaskDate)
	return task, nil
}

func (e *Engine) ClearCompleted(ctx context.Context, tenant domain.Tenant, date string) (int, error) {
	d, err := validate.Date(date)
	if err != nil {
		return 0, err
	}
	n, err := e.Store.ClearCompleted(ctx, tenant, d)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.notify(ctx, tenant, d)
	}
	return n, nil
}

// Rollover runs a manual rollover. Empty dates default to yesterday and today;
// the result carries the dates actually used.
func (e *Engine) Rollover(ctx context.Context, from, to string) (scheduler.Result, error) {
	for _, d := range []string{from, to} {
		if _, err := validate.Date(d); err != nil {
			return scheduler.Result{}, err
		}
	}
	if e.Scheduler != nil {
		return e.Scheduler.Manual(ctx, from, to)
	}
	to = e.dateOrToday(to)
	if from == "" {
		prev, err := domain.AddDays(to, -1)
		if err != nil {
			return scheduler.Result{}, err
		}
		from = prev
	}
	moved, err := e.Store.Rollover(ctx, from, to)
	if err != nil {
		return scheduler.Result{}, err
	}
	e.NotifyDate(ctx, to, moved)
	return scheduler.Result{From: from, To: to, Moved: moved}, nil
}

// NotifyDate refreshes the sessions of every tenant with tasks on date. It is
// the rollover hook; nothing is refreshed when no task moved.
func (e *Engine) NotifyDate(ctx context.Context, date string, moved int) {
	if moved == 0 || e.Registry == nil {
		return
	}
	tenants, err := e.Store.UserContexts(ctx, date)
	if err != nil {
		e.logger().Warn("cannot list tenants for refresh", "date", date, "err", err)
		return
	}
	for _, t := range tenants {
		e.Registry.Notify(ctx, registry.NewKey(t, date))
	}
}

func (e *Engine) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	days, err := validate.RetentionDays(retentionDays)
	if err != nil {
		return 0, err
	}
	return e.Store.CleanupOld(ctx, days)
}

// Status is a storage and session health snapshot.
type Status struct {
	domain.Stats
	ActiveSessions int    `json:"active_sessions"`
	LastRollover   string `json:"last_rollover,omitempty"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	st, err := e.Store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	out := Status{Stats: st}
	if e.Registry != nil {
		out.ActiveSessions = e.Registry.SessionCount()
	}
	if e.Scheduler != nil {
		out.LastRollover = e.Scheduler.LastRollover()
	}
	return out, nil
}

// OpenSessionOptions describe a live list. Without a callback URL the session
// renders into memory and is read back by polling.
type OpenSessionOptions struct {
	Tenant      domain.Tenant
	Date        string
	CallbackURL string
	Secret      string
	TTL         time.Duration
}

func (e *Engine) OpenSession(ctx context.Context, opts OpenSessionOptions) (*view.TaskListView, error) {
	date, err := validate.Date(opts.Date)
	if err != nil {
		return nil, err
	}
	var surf surface.Surface = surface.NewMemory()
	if opts.CallbackURL != "" {
		callback, err := validate.CallbackURL(opts.CallbackURL, e.CallbackHosts)
		if err != nil {
			return nil, err
		}
		surf = surface.NewWebhook(callback, opts.Secret, 0)
	}
	ttl := opts.TTL
	if ttl <= 0 || (e.SessionTTL > 0 && ttl > e.SessionTTL) {
		ttl = e.SessionTTL
	}
	v, err := view.Open(ctx, view.Config{
		Store:    e.Store,
		Registry: e.Registry,
		Surface:  surf,
		Tenant:   opts.Tenant,
		Date:     date,
		TTL:      ttl,
		Now:      e.now,
		Logger:   e.Logger,
	})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.sessions == nil {
		e.sessions = make(map[string]*view.TaskListView)
	}
	for id, s := range e.sessions {
		if s.Expired() {
			delete(e.sessions, id)
		}
	}
	e.sessions[v.ID()] = v
	e.mu.Unlock()
	return v, nil
}

// Session returns a live session owned by tenant.
func (e *Engine) Session(tenant domain.Tenant, id string) (*view.TaskListView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if v.Expired() {
		delete(e.sessions, id)
		return nil, ErrSessionNotFound
	}
	if v.Key().Tenant != tenant {
		return nil, view.ErrNotOwner
	}
	return v, nil
}

func (e *Engine) CloseSession(ctx context.Context, tenant domain.Tenant, id string) error {
	v, err := e.Session(tenant, id)
	if err != nil {
		return err
	}
	v.Expire(ctx)
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
	return nil
}

// ToggleTask flips a task through a session, on behalf of actorID.
func (e *Engine) ToggleTask(ctx context.Context, sessionID string, actorID, taskID int64) (domain.Task, error) {
	e.mu.Lock()
	v, ok := e.sessions[sessionID]
	if ok && v.Expired() {
		delete(e.sessions, sessionID)
		ok = false
	}
	e.mu.Unlock()
	if !ok {
		return domain.Task{}, ErrSessionNotFound
	}
	if _, err := validate.TaskID(taskID); err != nil {
		return domain.Task{}, err
	}
	return v.Toggle(ctx, actorID, taskID)
}
