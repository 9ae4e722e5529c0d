package repo

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"todoline/internal/db"
	"todoline/internal/domain"
	"todoline/internal/migrate"
)

type Config struct {
	Path   string
	Retry  RetryPolicy
	Now    func() time.Time
	Logger *slog.Logger
}

// Repo is the task store. All methods are safe for concurrent use; the
// underlying database is pinned to a single connection.
type Repo struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	policy RetryPolicy
	Now    func() time.Time
	log    *slog.Logger
}

// Open opens the database at cfg.Path, creating it and its parent directory
// if needed, and migrates it to the latest schema.
func Open(ctx context.Context, cfg Config) (*Repo, error) {
	path := db.Path(db.Config{Path: cfg.Path})
	conn, err := db.Open(db.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrInitialization, path, err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: migrate %s: %w", ErrInitialization, path, err)
	}
	return New(conn, path, cfg), nil
}

// New wraps an already migrated connection.
func New(conn *sql.DB, path string, cfg Config) *Repo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Retry
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy()
	}
	return &Repo{
		db:     conn,
		path:   path,
		policy: policy,
		Now:    cfg.Now,
		log:    logger.With("component", "storage"),
	}
}

// Close releases the connection. Later calls return ErrConnection.
func (r *Repo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func (r *Repo) Path() string { return r.path }

func (r *Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Repo) today() string {
	return domain.Today(r.now())
}

func (r *Repo) conn() (*sql.DB, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.db == nil {
		return nil, ErrConnection
	}
	return r.db, nil
}

// do runs fn against the live connection under the retry policy.
func do[T any](ctx context.Context, r *Repo, op string, fn func(context.Context, *sql.DB) (T, error)) (T, error) {
	var zero T
	if _, err := r.conn(); err != nil {
		return zero, err
	}
	return retry(ctx, r.policy, r.log, op, func(ctx context.Context) (T, error) {
		conn, err := r.conn()
		if err != nil {
			return zero, err
		}
		return fn(ctx, conn)
	})
}

func (r *Repo) Stats(ctx context.Context) (domain.Stats, error) {
	return do(ctx, r, "stats", func(ctx context.Context, conn *sql.DB) (domain.Stats, error) {
		st := domain.Stats{StorePath: r.path}
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT user_id) FROM tasks`).Scan(&st.TotalTasks, &st.UniqueUsers); err != nil {
			return domain.Stats{}, err
		}
		v, err := migrate.Version(ctx, conn)
		if err != nil {
			return domain.Stats{}, err
		}
		st.SchemaVersion = v
		if st.LatestSchema, err = migrate.Latest(); err != nil {
			return domain.Stats{}, err
		}
		return st, nil
	})
}
