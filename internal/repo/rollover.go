package repo

import (
	"context"
	"database/sql"

	"todoline/internal/domain"
	"todoline/internal/validate"
)

// signature identifies a rolled-over copy. Two open tasks of one tenant with the
// same text and priority collapse into a single copy.
type signature struct {
	description string
	priority    domain.Priority
	serverID    int64
	channelID   int64
	userID      int64
}

func signatureOf(t domain.Task) signature {
	return signature{t.Description, t.Priority, t.ServerID, t.ChannelID, t.UserID}
}

// Rollover copies every incomplete task dated from into to, skipping tasks whose
// signature already exists on to. Source rows are never modified. Returns the
// number of copies inserted.
func (r *Repo) Rollover(ctx context.Context, from, to string) (int, error) {
	for _, d := range []string{from, to} {
		if d == "" {
			return 0, &validate.Error{Field: "date", Message: "rollover dates are required"}
		}
		if _, err := validate.Date(d); err != nil {
			return 0, err
		}
	}
	return do(ctx, r, "rollover_tasks", func(ctx context.Context, conn *sql.DB) (int, error) {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return 0, err
		}
		defer tx.Rollback()

		pending, err := queryTasks(ctx, tx, `SELECT `+taskColumns+` FROM tasks WHERE task_date=? AND done=0 ORDER BY id`, from)
		if err != nil {
			return 0, err
		}
		if len(pending) == 0 {
			return 0, nil
		}
		existing, err := queryTasks(ctx, tx, `SELECT `+taskColumns+` FROM tasks WHERE task_date=?`, to)
		if err != nil {
			return 0, err
		}
		seen := make(map[signature]struct{}, len(existing))
		for _, t := range existing {
			seen[signatureOf(t)] = struct{}{}
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO tasks (description, priority, done, task_date, server_id, channel_id, user_id) VALUES (?,?,0,?,?,?,?)`)
		if err != nil {
			return 0, err
		}
		defer stmt.Close()
		moved := 0
		for _, t := range pending {
			sig := signatureOf(t)
			if _, ok := seen[sig]; ok {
				continue
			}
			if _, err := stmt.ExecContext(ctx, t.Description, string(t.Priority), to, t.ServerID, t.ChannelID, t.UserID); err != nil {
				return 0, err
			}
			seen[sig] = struct{}{}
			moved++
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
		r.log.Info("rolled over tasks", "from", from, "to", to, "moved", moved, "pending", len(pending))
		return moved, nil
	})
}

func queryTasks(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
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
}
