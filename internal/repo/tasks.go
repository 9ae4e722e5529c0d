package repo

import (
	"context"
	"database/sql"
	"errors"

	"todoline/internal/domain"
	"todoline/internal/validate"
)

const taskColumns = `id, description, priority, done, task_date, server_id, channel_id, user_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var priority string
	var done int
	if err := row.Scan(&t.ID, &t.Description, &priority, &done, &t.TaskDate, &t.ServerID, &t.ChannelID, &t.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	t.Priority = domain.Priority(priority)
	t.Done = done != 0
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// resolveDate validates an optional date, defaulting to today.
func (r *Repo) resolveDate(date string) (string, error) {
	d, err := validate.Date(date)
	if err != nil {
		return "", err
	}
	if d == "" {
		return r.today(), nil
	}
	return d, nil
}

// AddTask persists a new incomplete task and returns it with its assigned id.
func (r *Repo) AddTask(ctx context.Context, tenant domain.Tenant, description string, priority domain.Priority, date string) (domain.Task, error) {
	desc, err := validate.StoredDescription(description)
	if err != nil {
		return domain.Task{}, err
	}
	p, err := validate.Priority(string(priority))
	if err != nil {
		return domain.Task{}, err
	}
	d, err := r.resolveDate(date)
	if err != nil {
		return domain.Task{}, err
	}
	return do(ctx, r, "add_task", func(ctx context.Context, conn *sql.DB) (domain.Task, error) {
		res, err := conn.ExecContext(ctx, `INSERT INTO tasks (description, priority, done, task_date, server_id, channel_id, user_id) VALUES (?,?,0,?,?,?,?)`,
			desc, string(p), d, tenant.ServerID, tenant.ChannelID, tenant.UserID)
		if err != nil {
			return domain.Task{}, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.Task{}, err
		}
		return domain.Task{
			ID:          id,
			Description: desc,
			Priority:    p,
			TaskDate:    d,
			ServerID:    tenant.ServerID,
			ChannelID:   tenant.ChannelID,
			UserID:      tenant.UserID,
		}, nil
	})
}

// Tasks lists a tenant's tasks for a date ordered by priority, then open before
// done, then id.
func (r *Repo) Tasks(ctx context.Context, tenant domain.Tenant, date string, includeDone bool) ([]domain.Task, error) {
	d, err := r.resolveDate(date)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE server_id=? AND channel_id=? AND user_id=? AND task_date=?`
	if !includeDone {
		query += ` AND done=0`
	}
	query += ` ORDER BY priority ASC, done ASC, id ASC`
	return do(ctx, r, "get_tasks", func(ctx context.Context, conn *sql.DB) ([]domain.Task, error) {
		rows, err := conn.QueryContext(ctx, query, tenant.ServerID, tenant.ChannelID, tenant.UserID, d)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var res []domain.Task
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return nil, err
			}
			res = append(res, t)
		}
		return res, rows.Err()
	})
}

// TaskByID returns ErrNotFound for unknown ids and for ids owned by another tenant.
func (r *Repo) TaskByID(ctx context.Context, tenant domain.Tenant, id int64) (domain.Task, error) {
	if _, err := validate.TaskID(id); err != nil {
		return domain.Task{}, err
	}
	return do(ctx, r, "get_task", func(ctx context.Context, conn *sql.DB) (domain.Task, error) {
		return scanTask(conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND server_id=? AND channel_id=? AND user_id=?`,
			id, tenant.ServerID, tenant.ChannelID, tenant.UserID))
	})
}

// exec runs a scoped statement and reports how many rows it touched.
func (r *Repo) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	return do(ctx, r, op, func(ctx context.Context, conn *sql.DB) (int64, error) {
		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
}

// UpdateTask changes the description, the priority, or both. With neither
// given it reports false without touching the store.
func (r *Repo) UpdateTask(ctx context.Context, tenant domain.Tenant, id int64, description *string, priority *domain.Priority) (bool, error) {
	if description == nil && priority == nil {
		return false, nil
	}
	if _, err := validate.TaskID(id); err != nil {
		return false, err
	}
	var desc string
	if description != nil {
		d, err := validate.StoredDescription(*description)
		if err != nil {
			return false, err
		}
		desc = d
	}
	var prio domain.Priority
	if priority != nil {
		p, err := validate.Priority(string(*priority))
		if err != nil {
			return false, err
		}
		prio = p
	}
	scope := []any{id, tenant.ServerID, tenant.ChannelID, tenant.UserID}
	var (
		query string
		args  []any
	)
	switch {
	case description != nil && priority != nil:
		query = `UPDATE tasks SET description=?, priority=?, updated_at=CURRENT_TIMESTAMP WHERE id=? AND server_id=? AND channel_id=? AND user_id=?`
		args = append([]any{desc, string(prio)}, scope...)
	case description != nil:
		query = `UPDATE tasks SET description=?, updated_at=CURRENT_TIMESTAMP WHERE id=? AND server_id=? AND channel_id=? AND user_id=?`
		args = append([]any{desc}, scope...)
	default:
		query = `UPDATE tasks SET priority=?, updated_at=CURRENT_TIMESTAMP WHERE id=? AND server_id=? AND channel_id=? AND user_id=?`
		args = append([]any{string(prio)}, scope...)
	}
	n, err := r.exec(ctx, "update_task", query, args...)
	return n > 0, err
}

func (r *Repo) setDone(ctx context.Context, op string, tenant domain.Tenant, id int64, done bool) (bool, error) {
	if _, err := validate.TaskID(id); err != nil {
		return false, err
	}
	n, err := r.exec(ctx, op, `UPDATE tasks SET done=?, updated_at=CURRENT_TIMESTAMP WHERE id=? AND server_id=? AND channel_id=? AND user_id=?`,
		boolInt(done), id, tenant.ServerID, tenant.ChannelID, tenant.UserID)
	return n > 0, err
}

func (r *Repo) MarkDone(ctx context.Context, tenant domain.Tenant, id int64) (bool, error) {
	return r.setDone(ctx, "mark_done", tenant, id, true)
}

func (r *Repo) MarkUndone(ctx context.Context, tenant domain.Tenant, id int64) (bool, error) {
	return r.setDone(ctx, "mark_undone", tenant, id, false)
}

func (r *Repo) DeleteTask(ctx context.Context, tenant domain.Tenant, id int64) (bool, error) {
	if _, err := validate.TaskID(id); err != nil {
		return false, err
	}
	n, err := r.exec(ctx, "delete_task", `DELETE FROM tasks WHERE id=? AND server_id=? AND channel_id=? AND user_id=?`,
		id, tenant.ServerID, tenant.ChannelID, tenant.UserID)
	return n > 0, err
}

// ClearCompleted deletes the tenant's done tasks for a date and returns the count.
func (r *Repo) ClearCompleted(ctx context.Context, tenant domain.Tenant, date string) (int, error) {
	d, err := r.resolveDate(date)
	if err != nil {
		return 0, err
	}
	n, err := r.exec(ctx, "clear_completed", `DELETE FROM tasks WHERE server_id=? AND channel_id=? AND user_id=? AND task_date=? AND done=1`,
		tenant.ServerID, tenant.ChannelID, tenant.UserID, d)
	return int(n), err
}

// CleanupOld deletes every tenant's tasks dated more than retentionDays before
// today. Zero disables cleanup.
func (r *Repo) CleanupOld(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	if _, err := validate.RetentionDays(retentionDays); err != nil {
		return 0, err
	}
	cutoff, err := domain.AddDays(r.today(), -retentionDays)
	if err != nil {
		return 0, err
	}
	n, err := r.exec(ctx, "cleanup_old_tasks", `DELETE FROM tasks WHERE task_date < ?`, cutoff)
	if err == nil && n > 0 {
		r.log.Info("cleaned up old tasks", "deleted", n, "cutoff", cutoff)
	}
	return int(n), err
}

// UserContexts lists the distinct tenants holding any task on date.
func (r *Repo) UserContexts(ctx context.Context, date string) ([]domain.Tenant, error) {
	d, err := r.resolveDate(date)
	if err != nil {
		return nil, err
	}
	return do(ctx, r, "get_all_user_contexts", func(ctx context.Context, conn *sql.DB) ([]domain.Tenant, error) {
		rows, err := conn.QueryContext(ctx, `SELECT DISTINCT server_id, channel_id, user_id FROM tasks WHERE task_date=? ORDER BY server_id, channel_id, user_id`, d)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var res []domain.Tenant
		for rows.Next() {
			var t domain.Tenant
			if err := rows.Scan(&t.ServerID, &t.ChannelID, &t.UserID); err != nil {
				return nil, err
			}
			res = append(res, t)
		}
		return res, rows.Err()
	})
}
