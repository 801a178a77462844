package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"crawlplane/internal/model"
)

// CreateProject inserts a project row. (name, owner_id) and path must be
// unique; violations surface as ErrConflict.
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		persist := 0
		if p.PersistResults {
			persist = 1
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, name, path, owner_id, persist_results, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Path, p.OwnerID, persist,
			p.CreatedAt.UTC().Format(timeFormat), p.UpdatedAt.UTC().Format(timeFormat))
		return err
	})
}

// GetProject returns the project with the given id.
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var p *model.Project
	err := s.withRetry(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, name, path, owner_id, persist_results, created_at, updated_at
			FROM projects WHERE id = ?`, id)
		var err error
		p, err = scanProject(row)
		return err
	})
	return p, err
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]model.Project, error) {
	var out []model.Project
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, name, path, owner_id, persist_results, created_at, updated_at
			FROM projects ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			p, err := scanProject(rows)
			if err != nil {
				return err
			}
			out = append(out, *p)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteProject removes a project. It refuses (ErrConflict) while the
// project still has active schedules or non-terminal tasks.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schedules WHERE project_id = ? AND active = 1`, id,
		).Scan(&active); err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w: project has %d active schedules", ErrConflict, active)
		}

		var live int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE project_id = ? AND status IN (?, ?)`,
			id, model.StatusPending, model.StatusRunning,
		).Scan(&live); err != nil {
			return err
		}
		if live > 0 {
			return fmt.Errorf("%w: project has %d live tasks", ErrConflict, live)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
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
		return tx.Commit()
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*model.Project, error) {
	var (
		p                    model.Project
		persist              int
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Path, &p.OwnerID, &persist, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.PersistResults = persist != 0
	if p.CreatedAt, err = mustTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = mustTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
