// Package registry tracks live task-list sessions and fans out refresh
// notifications when the tasks behind them change.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"todoline/internal/domain"
	"todoline/internal/surface"
)

// Key identifies the task list a session displays.
type Key struct {
	domain.Tenant
	Date string
}

func NewKey(t domain.Tenant, date string) Key {
	return Key{Tenant: t, Date: date}
}

type Session interface {
	ID() string
	Key() Key
	// Refresh re-reads the task list and redraws it. Errors wrapping
	// surface.ErrGone mean the session is dead.
	Refresh(ctx context.Context) error
}

type Registry struct {
	mu       sync.Mutex
	sessions map[Key]map[string]Session
	log      *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[Key]map[string]Session),
		log:      logger.With("component", "registry"),
	}
}

func (r *Registry) Register(s Session) {
	key := s.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.sessions[key]
	if !ok {
		bucket = make(map[string]Session)
		r.sessions[key] = bucket
	}
	bucket[s.ID()] = s
	r.log.Debug("session registered", "session", s.ID(), "tenant", key.Tenant.String(), "date", key.Date, "count", len(bucket))
}

// Unregister removes s; unknown sessions are ignored.
func (r *Registry) Unregister(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(s.Key(), s.ID())
}

func (r *Registry) remove(key Key, id string) {
	bucket, ok := r.sessions[key]
	if !ok {
		return
	}
	if _, ok := bucket[id]; !ok {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(r.sessions, key)
	}
	r.log.Debug("session unregistered", "session", id, "tenant", key.Tenant.String(), "date", key.Date)
}

func (r *Registry) snapshot(key Key) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.sessions[key]
	out := make([]Session, 0, len(bucket))
	for _, s := range bucket {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Notify refreshes every session registered under key and returns how many
// refreshed successfully. Sessions whose surface is gone are dropped; any other
// failure is logged and the session kept.
func (r *Registry) Notify(ctx context.Context, key Key) int {
	sessions := r.snapshot(key)
	if len(sessions) == 0 {
		return 0
	}
	ok := 0
	for _, s := range sessions {
		err := s.Refresh(ctx)
		switch {
		case err == nil:
			ok++
		case errors.Is(err, surface.ErrGone):
			r.log.Info("dropping stale session", "session", s.ID(), "err", err)
			r.mu.Lock()
			r.remove(key, s.ID())
			r.mu.Unlock()
		case errors.Is(err, surface.ErrTransient):
			r.log.Warn("session refresh deferred", "session", s.ID(), "err", err)
		default:
			r.log.Warn("session refresh failed", "session", s.ID(), "err", err)
		}
	}
	r.log.Debug("notified sessions", "tenant", key.Tenant.String(), "date", key.Date, "refreshed", ok, "total", len(sessions))
	return ok
}

// Cleanup drops empty buckets and returns how many were removed.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, bucket := range r.sessions {
		if len(bucket) == 0 {
			delete(r.sessions, key)
			removed++
		}
	}
	return removed
}

func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, bucket := range r.sessions {
		n += len(bucket)
	}
	return n
}

func (r *Registry) KeyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
