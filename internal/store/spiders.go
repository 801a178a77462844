package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crawlplane/internal/model"
)

// CreateSpider inserts a spider row. (name, project_id) must be unique.
func (s *Store) CreateSpider(ctx context.Context, sp *model.Spider) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		settings, err := encodeSettings(sp.Settings)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO spiders (id, project_id, name, source, settings, framework, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sp.ID, sp.ProjectID, sp.Name, sp.Source, settings, sp.Framework,
			sp.CreatedAt.UTC().Format(timeFormat), sp.UpdatedAt.UTC().Format(timeFormat))
		return err
	})
}

// UpdateSpiderSource replaces a spider's source blob.
func (s *Store) UpdateSpiderSource(ctx context.Context, id string, source []byte, updatedAt time.Time) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE spiders SET source = ?, updated_at = ? WHERE id = ?`,
			source, updatedAt.UTC().Format(timeFormat), id)
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

// GetSpider returns the spider with the given id.
func (s *Store) GetSpider(ctx context.Context, id string) (*model.Spider, error) {
	var sp *model.Spider
	err := s.withRetry(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, project_id, name, source, settings, framework, created_at, updated_at
			FROM spiders WHERE id = ?`, id)
		var err error
		sp, err = scanSpider(row)
		return err
	})
	return sp, err
}

// ListSpiders returns a project's spiders ordered by name.
func (s *Store) ListSpiders(ctx context.Context, projectID string) ([]model.Spider, error) {
	var out []model.Spider
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, project_id, name, source, settings, framework, created_at, updated_at
			FROM spiders WHERE project_id = ? ORDER BY name`, projectID)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			sp, err := scanSpider(rows)
			if err != nil {
				return err
			}
			out = append(out, *sp)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteSpider removes a spider. Schedules cascade via foreign key;
// historical tasks and results are untouched.
func (s *Store) DeleteSpider(ctx context.Context, id string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM spiders WHERE id = ?`, id)
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

func scanSpider(row rowScanner) (*model.Spider, error) {
	var (
		sp                   model.Spider
		settings             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&sp.ID, &sp.ProjectID, &sp.Name, &sp.Source, &settings, &sp.Framework, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sp.Settings, err = decodeSettings(settings); err != nil {
		return nil, err
	}
	if sp.CreatedAt, err = mustTime(createdAt); err != nil {
		return nil, err
	}
	if sp.UpdatedAt, err = mustTime(updatedAt); err != nil {
		return nil, err
	}
	return &sp, nil
}
