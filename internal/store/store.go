// Package store provides durable sqlite-backed storage for projects,
// spiders, schedules, tasks, and results.
//
// Ownership of mutations is split by component: the dispatcher writes task
// rows, the tailer writes result rows and items_count, the scheduler writes
// only last_run/next_run, and the reconciler repairs through conditional
// updates. The store enforces the task state machine with conditional
// UPDATEs so a lost race never clobbers a terminal status.
//
// There is deliberately no uniqueness constraint on (task_id, fingerprint):
// the tailer's in-memory dedup set is authoritative and the reconciler's
// duplicate sentinel is the safety net.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sqlite3 "modernc.org/sqlite"

	"crawlplane/internal/logging"
)

const timeFormat = time.RFC3339Nano

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned on uniqueness violations and refused deletes.
	ErrConflict = errors.New("store: conflict")
	// ErrTransient wraps retryable failures (busy, locked). Callers that
	// exhaust retries treat the operation as failed.
	ErrTransient = errors.New("store: transient")
)

// Store is a sqlite-backed store for all persistent rows.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	opTimeout  time.Duration
	maxRetries int
}

// Options tunes store behaviour. Zero values select defaults.
type Options struct {
	OpTimeout  time.Duration // per-operation deadline, default 30s
	MaxRetries int           // transient retry budget, default 5
	Logger     *slog.Logger
}

// Open opens (creating if necessary) the sqlite database at path and runs
// migrations.
func Open(path string, opts Options) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}

	return &Store{
		db:         db,
		path:       path,
		logger:     logging.Default(opts.Logger).With("component", "store"),
		opTimeout:  opts.OpTimeout,
		maxRetries: opts.MaxRetries,
	}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify maps a driver error onto the store's error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var se *sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
			return fmt.Errorf("%w: %v", ErrTransient, err)
		case 19: // SQLITE_CONSTRAINT
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

const (
	backoffMin = 100 * time.Millisecond
	backoffMax = 5 * time.Second
)

// withRetry runs op with the per-operation deadline, retrying transient
// failures with doubling backoff up to the retry budget.
func (s *Store) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	backoff := backoffMin
	var err error
	for attempt := 0; ; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		err = classify(op(opCtx))
		cancel()

		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt >= s.maxRetries {
			return fmt.Errorf("store unavailable after %d retries: %w", attempt, err)
		}

		s.logger.Warn("transient store error, backing off",
			"attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// encodeTime renders a nullable instant.
func encodeTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

// decodeTime parses a nullable instant column.
func decodeTime(ns sql.NullString, dst **time.Time) error {
	if !ns.Valid {
		*dst = nil
		return nil
	}
	t, err := time.Parse(timeFormat, ns.String)
	if err != nil {
		return fmt.Errorf("parse instant %q: %w", ns.String, err)
	}
	t = t.UTC()
	*dst = &t
	return nil
}

// mustTime parses a non-nullable instant column.
func mustTime(v string) (time.Time, error) {
	t, err := time.Parse(timeFormat, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse instant %q: %w", v, err)
	}
	return t.UTC(), nil
}

// encodeSettings renders an optional string map as JSON.
func encodeSettings(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal settings: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// decodeSettings parses an optional JSON settings column.
func decodeSettings(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return m, nil
}
