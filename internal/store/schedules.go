package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crawlplane/internal/model"
)

// CreateSchedule inserts a schedule row.
func (s *Store) CreateSchedule(ctx context.Context, sc *model.Schedule) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		active := 0
		if sc.Active {
			active = 1
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, project_id, spider_id, owner_id, name, cron_expr, active, last_run, next_run)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sc.ID, sc.ProjectID, sc.SpiderID, sc.OwnerID, sc.Name, sc.CronExpr, active,
			encodeTime(sc.LastRun), encodeTime(sc.NextRun))
		return err
	})
}

// GetSchedule returns the schedule with the given id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	var sc *model.Schedule
	err := s.withRetry(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, project_id, spider_id, owner_id, name, cron_expr, active, last_run, next_run
			FROM schedules WHERE id = ?`, id)
		var err error
		sc, err = scanSchedule(row)
		return err
	})
	return sc, err
}

// ListActiveSchedules returns every schedule with the active flag set.
func (s *Store) ListActiveSchedules(ctx context.Context) ([]model.Schedule, error) {
	var out []model.Schedule
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, project_id, spider_id, owner_id, name, cron_expr, active, last_run, next_run
			FROM schedules WHERE active = 1 ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			sc, err := scanSchedule(rows)
			if err != nil {
				return err
			}
			out = append(out, *sc)
		}
		return rows.Err()
	})
	return out, err
}

// SetScheduleNextRun writes next_run without touching last_run. Used to
// seed next_run for schedules that have never been evaluated.
func (s *Store) SetScheduleNextRun(ctx context.Context, id string, nextRun time.Time) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE schedules SET next_run = ? WHERE id = ?`,
			nextRun.UTC().Format(timeFormat), id)
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

// ReserveScheduleFiring is the serialisation point between concurrent
// scheduler instances. It atomically advances last_run/next_run, but only
// if last_run still has the value the caller observed. A false return
// means another instance won the race and the caller must not fire.
func (s *Store) ReserveScheduleFiring(ctx context.Context, id string, observedLastRun *time.Time, lastRun, nextRun time.Time) (bool, error) {
	var won bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var (
			res sql.Result
			err error
		)
		if observedLastRun == nil {
			res, err = s.db.ExecContext(ctx, `
				UPDATE schedules SET last_run = ?, next_run = ?
				WHERE id = ? AND active = 1 AND last_run IS NULL`,
				lastRun.UTC().Format(timeFormat), nextRun.UTC().Format(timeFormat), id)
		} else {
			res, err = s.db.ExecContext(ctx, `
				UPDATE schedules SET last_run = ?, next_run = ?
				WHERE id = ? AND active = 1 AND last_run = ?`,
				lastRun.UTC().Format(timeFormat), nextRun.UTC().Format(timeFormat), id,
				observedLastRun.UTC().Format(timeFormat))
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		won = n == 1
		return nil
	})
	return won, err
}

// SetScheduleActive flips the active flag.
func (s *Store) SetScheduleActive(ctx context.Context, id string, active bool) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		v := 0
		if active {
			v = 1
		}
		res, err := s.db.ExecContext(ctx, `UPDATE schedules SET active = ? WHERE id = ?`, v, id)
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

// DeleteSchedule removes a schedule row.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
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

func scanSchedule(row rowScanner) (*model.Schedule, error) {
	var (
		lastRun, nextRun sql.NullString
		active           int
		schedule         model.Schedule
	)
	err := row.Scan(&schedule.ID, &schedule.ProjectID, &schedule.SpiderID, &schedule.OwnerID,
		&schedule.Name, &schedule.CronExpr, &active, &lastRun, &nextRun)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	schedule.Active = active != 0
	if err := decodeTime(lastRun, &schedule.LastRun); err != nil {
		return nil, err
	}
	if err := decodeTime(nextRun, &schedule.NextRun); err != nil {
		return nil, err
	}
	return &schedule, nil
}
