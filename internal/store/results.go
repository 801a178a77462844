package store

import (
	"context"
	"database/sql"
	"errors"

	"crawlplane/internal/model"
)

// InsertResults writes a batch of result rows in one transaction. The
// tailer is the only writer; batches preserve file read order.
func (s *Store) InsertResults(ctx context.Context, results []model.Result) error {
	if len(results) == 0 {
		return nil
	}
	return s.withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO results (id, task_id, payload, url, crawl_start, item_acquired, fingerprint, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range results {
			if _, err := stmt.ExecContext(ctx,
				r.ID, r.TaskID, string(r.Payload), r.URL,
				encodeTime(r.CrawlStart), encodeTime(r.ItemAcquired),
				r.Fingerprint, r.CreatedAt.UTC().Format(timeFormat)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// CountResults returns the number of result rows for a task.
func (s *Store) CountResults(ctx context.Context, taskID string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM results WHERE task_id = ?`, taskID).Scan(&n)
	})
	return n, err
}

// ResultFingerprints returns every fingerprint stored for a task. A
// restarted tailer re-seeds its dedup set from this before re-reading the
// file from offset zero.
func (s *Store) ResultFingerprints(ctx context.Context, taskID string) ([]string, error) {
	var out []string
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT DISTINCT fingerprint FROM results WHERE task_id = ?`, taskID)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var fp string
			if err := rows.Scan(&fp); err != nil {
				return err
			}
			out = append(out, fp)
		}
		return rows.Err()
	})
	return out, err
}

// HasResultFingerprint reports whether the task already stored a result
// with this fingerprint. The tailer falls back to this check once its
// in-memory set reaches the configured cap.
func (s *Store) HasResultFingerprint(ctx context.Context, taskID, fingerprint string) (bool, error) {
	var exists bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM results WHERE task_id = ? AND fingerprint = ? LIMIT 1`,
			taskID, fingerprint).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// DedupeResults deletes duplicate rows per (task_id, fingerprint) for a
// task, keeping the oldest. Returns the number of rows removed.
func (s *Store) DedupeResults(ctx context.Context, taskID string) (int64, error) {
	var removed int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM results WHERE task_id = ? AND rowid NOT IN (
				SELECT MIN(rowid) FROM results WHERE task_id = ?
				GROUP BY fingerprint
			)`, taskID, taskID)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// ListResults returns a page of a task's results in insertion order.
func (s *Store) ListResults(ctx context.Context, taskID string, limit, offset int) ([]model.Result, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []model.Result
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, task_id, payload, url, crawl_start, item_acquired, fingerprint, created_at
			FROM results WHERE task_id = ? ORDER BY rowid LIMIT ? OFFSET ?`,
			taskID, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var (
				r                        model.Result
				payload                  string
				crawlStart, itemAcquired sql.NullString
				createdAt                string
			)
			if err := rows.Scan(&r.ID, &r.TaskID, &payload, &r.URL,
				&crawlStart, &itemAcquired, &r.Fingerprint, &createdAt); err != nil {
				return err
			}
			r.Payload = []byte(payload)
			if err := decodeTime(crawlStart, &r.CrawlStart); err != nil {
				return err
			}
			if err := decodeTime(itemAcquired, &r.ItemAcquired); err != nil {
				return err
			}
			if r.CreatedAt, err = mustTime(createdAt); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}
