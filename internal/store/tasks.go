package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crawlplane/internal/model"
)

// CreateTask inserts a task row. The dispatcher persists Pending before
// enqueueing, so a requested run is never lost from the timeline.
func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		settings, err := encodeSettings(t.Settings)
		if err != nil {
			return err
		}
		var scheduleID sql.NullString
		if t.ScheduleID != "" {
			scheduleID = sql.NullString{String: t.ScheduleID, Valid: true}
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, project_id, spider_id, schedule_id, owner_id, status,
				started_at, finished_at, items_count, requests_count, error_count,
				error_message, stderr_tail, settings, output_file, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ProjectID, t.SpiderID, scheduleID, t.OwnerID, t.Status,
			encodeTime(t.StartedAt), encodeTime(t.FinishedAt),
			t.ItemsCount, t.RequestsCount, t.ErrorCount,
			t.ErrorMessage, t.StderrTail, settings, t.OutputFile,
			t.CreatedAt.UTC().Format(timeFormat))
		return err
	})
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var t *model.Task
	err := s.withRetry(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
		var err error
		t, err = scanTask(row)
		return err
	})
	return t, err
}

// ListTasksSince returns tasks created at or after the given instant,
// newest first. The reconciler scans its sliding window with this.
func (s *Store) ListTasksSince(ctx context.Context, since time.Time) ([]model.Task, error) {
	var out []model.Task
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			taskSelect+` WHERE created_at >= ? ORDER BY created_at DESC`,
			since.UTC().Format(timeFormat))
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			out = append(out, *t)
		}
		return rows.Err()
	})
	return out, err
}

// ListTasksByStatus returns tasks in the given status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]model.Task, error) {
	var out []model.Task
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			taskSelect+` WHERE status = ? ORDER BY created_at`, status)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			out = append(out, *t)
		}
		return rows.Err()
	})
	return out, err
}

// CountLiveTasksForSchedule implements the scheduler's conflict gate: tasks
// for the schedule that are Pending or Running and recent. Pending tasks
// have no started_at yet, so creation time stands in for it.
func (s *Store) CountLiveTasksForSchedule(ctx context.Context, scheduleID string, cutoff time.Time) (int, error) {
	var n int
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM tasks
			WHERE schedule_id = ? AND status IN (?, ?)
			AND COALESCE(started_at, created_at) >= ?`,
			scheduleID, model.StatusPending, model.StatusRunning,
			cutoff.UTC().Format(timeFormat)).Scan(&n)
	})
	return n, err
}

// CountLiveTasksForProject counts Pending and Running tasks for a project,
// used by the dispatcher's per-project limit.
func (s *Store) CountLiveTasksForProject(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM tasks WHERE project_id = ? AND status IN (?, ?)`,
			projectID, model.StatusPending, model.StatusRunning).Scan(&n)
	})
	return n, err
}

// MarkTaskRunning transitions Pending → Running and stamps started_at and
// the output file path. Returns false if the task was no longer Pending.
func (s *Store) MarkTaskRunning(ctx context.Context, id string, startedAt time.Time, outputFile string) (bool, error) {
	var ok bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, started_at = ?, output_file = ?
			WHERE id = ? AND status = ?`,
			model.StatusRunning, startedAt.UTC().Format(timeFormat), outputFile,
			id, model.StatusPending)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// TaskOutcome carries the final statistics written with a terminal
// transition.
type TaskOutcome struct {
	ItemsCount    int64
	RequestsCount int64
	ErrorCount    int64
	ErrorMessage  string
	StderrTail    string
}

// CompleteTask transitions a non-terminal task to a terminal status and
// writes its outcome. Terminal states are sticky: returns false without
// writing if the task already reached one.
func (s *Store) CompleteTask(ctx context.Context, id string, to model.TaskStatus, finishedAt time.Time, out TaskOutcome) (bool, error) {
	if !to.Terminal() {
		return false, errors.New("store: CompleteTask requires a terminal status")
	}
	var ok bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, finished_at = ?, items_count = ?,
				requests_count = ?, error_count = ?, error_message = ?, stderr_tail = ?
			WHERE id = ? AND status IN (?, ?)`,
			to, finishedAt.UTC().Format(timeFormat),
			out.ItemsCount, out.RequestsCount, out.ErrorCount,
			out.ErrorMessage, out.StderrTail,
			id, model.StatusPending, model.StatusRunning)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// RepairTaskFinished is the reconciler's documented repair path: Failed →
// Finished, permitted only when results were actually ingested. The items
// count is overwritten with the observed result count.
func (s *Store) RepairTaskFinished(ctx context.Context, id string, items int64, finishedAt time.Time) (bool, error) {
	var ok bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, items_count = ?, finished_at = ?, error_message = ''
			WHERE id = ? AND status = ?`,
			model.StatusFinished, items, finishedAt.UTC().Format(timeFormat),
			id, model.StatusFailed)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// MarkTaskStuckFailed transitions Running → Failed for tasks with no
// observable process. Returns false if the task left Running meanwhile.
func (s *Store) MarkTaskStuckFailed(ctx context.Context, id string, finishedAt time.Time, message string) (bool, error) {
	var ok bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, finished_at = ?, error_message = ?
			WHERE id = ? AND status = ?`,
			model.StatusFailed, finishedAt.UTC().Format(timeFormat), message,
			id, model.StatusRunning)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// SetTaskCounts writes the live item and parse-error counters. The tailer
// calls this after each flush; values are absolute, not deltas.
func (s *Store) SetTaskCounts(ctx context.Context, id string, items, errs int64) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET items_count = ?, error_count = ? WHERE id = ?`,
			items, errs, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetTaskItemsCount overwrites items_count. The reconciler uses this for
// count-drift repair.
func (s *Store) SetTaskItemsCount(ctx context.Context, id string, items int64) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET items_count = ? WHERE id = ?`, items, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const taskSelect = `
	SELECT id, project_id, spider_id, schedule_id, owner_id, status,
		started_at, finished_at, items_count, requests_count, error_count,
		error_message, stderr_tail, settings, output_file, created_at
	FROM tasks`

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                     model.Task
		scheduleID            sql.NullString
		startedAt, finishedAt sql.NullString
		settings              sql.NullString
		createdAt             string
		status                string
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.SpiderID, &scheduleID, &t.OwnerID, &status,
		&startedAt, &finishedAt, &t.ItemsCount, &t.RequestsCount, &t.ErrorCount,
		&t.ErrorMessage, &t.StderrTail, &settings, &t.OutputFile, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	if scheduleID.Valid {
		t.ScheduleID = scheduleID.String
	}
	if err := decodeTime(startedAt, &t.StartedAt); err != nil {
		return nil, err
	}
	if err := decodeTime(finishedAt, &t.FinishedAt); err != nil {
		return nil, err
	}
	if t.Settings, err = decodeSettings(settings); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = mustTime(createdAt); err != nil {
		return nil, err
	}
	return &t, nil
}
