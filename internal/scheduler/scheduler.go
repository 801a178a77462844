// Package scheduler converts declarative cron schedules into TaskRequests.
//
// The firing protocol is at-most-once: a conflict gate skips schedules that
// already have a live task inside the conflict window, and a compare-and-set
// on (id, last_run) serialises concurrent scheduler instances. A missed
// firing is never replayed; the next cron tick is the retry.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crawlplane/internal/bus"
	"crawlplane/internal/clock"
	"crawlplane/internal/config"
	"crawlplane/internal/cronexpr"
	"crawlplane/internal/logging"
	"crawlplane/internal/model"
	"crawlplane/internal/notify"
	"crawlplane/internal/store"
)

// Submitter hands accepted firings to the worker pool. The dispatcher
// implements it; rejections are surfaced as bus events, never retried.
type Submitter interface {
	Accept(ctx context.Context, req model.TaskRequest) (*model.Task, error)
}

// Scheduler fires active schedules on their cron instants.
type Scheduler struct {
	cfg       config.Config
	store     *store.Store
	bus       *bus.Bus
	clk       *clock.Clock
	submitter Submitter
	logger    *slog.Logger
	invalid   *notify.Signal

	mu        sync.Mutex
	schedules []model.Schedule
}

// New creates a scheduler. Refresh and Tick are driven externally (the
// core registers them as periodic jobs); WatchInvalidations reacts to
// out-of-band schedule mutations.
func New(cfg config.Config, st *store.Store, b *bus.Bus, clk *clock.Clock, sub Submitter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		bus:       b,
		clk:       clk,
		submitter: sub,
		logger:    logging.Default(logger).With("component", "scheduler"),
		invalid:   notify.NewSignal(),
	}
}

// Invalidate requests an immediate refresh, e.g. after a schedule row
// changed. WatchInvalidations picks it up; the periodic refresh is the
// fallback when nobody is watching.
func (s *Scheduler) Invalidate() {
	s.invalid.Notify()
}

// WatchInvalidations refreshes the cached snapshot whenever Invalidate is
// called, until the context is cancelled. This keeps new and mutated
// schedules from waiting out a full sync interval.
func (s *Scheduler) WatchInvalidations(ctx context.Context) {
	for {
		ch := s.invalid.C()
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Error("refresh after invalidation failed", "error", err)
			}
		}
	}
}

// Refresh reloads active schedules and seeds next_run for rows that have
// never been evaluated.
func (s *Scheduler) Refresh(ctx context.Context) error {
	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return err
	}

	now := s.clk.Now()
	for i := range schedules {
		sc := &schedules[i]
		if sc.NextRun != nil {
			continue
		}
		expr, err := cronexpr.Parse(sc.CronExpr)
		if err != nil {
			s.logger.Error("invalid cron expression, schedule skipped",
				"schedule_id", sc.ID, "cron", sc.CronExpr, "error", err)
			continue
		}
		next := expr.Next(now, s.clk.Location())
		if err := s.store.SetScheduleNextRun(ctx, sc.ID, next); err != nil {
			s.logger.Error("failed to seed next_run", "schedule_id", sc.ID, "error", err)
			continue
		}
		sc.NextRun = &next
	}

	s.mu.Lock()
	s.schedules = schedules
	s.mu.Unlock()
	return nil
}

// Tick fires every cached schedule that is due. An unreachable store
// aborts the tick; schedules never fire speculatively.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()
	due := make([]model.Schedule, 0)
	now := s.clk.Now()
	for _, sc := range s.schedules {
		if sc.NextRun != nil && !sc.NextRun.After(now) {
			due = append(due, sc)
		}
	}
	s.mu.Unlock()

	for _, sc := range due {
		if err := s.fire(ctx, sc, now); err != nil {
			return err
		}
	}
	return nil
}

// fire runs the firing protocol for one due schedule: conflict gate,
// CAS reserve, submit. The next_run advance happens even when the gate
// skips the firing.
func (s *Scheduler) fire(ctx context.Context, sc model.Schedule, now time.Time) error {
	expr, err := cronexpr.Parse(sc.CronExpr)
	if err != nil {
		s.logger.Error("invalid cron expression on due schedule",
			"schedule_id", sc.ID, "cron", sc.CronExpr, "error", err)
		return nil
	}

	conflicted := false
	cutoff := now.Add(-s.cfg.ConflictWindow)
	live, err := s.store.CountLiveTasksForSchedule(ctx, sc.ID, cutoff)
	if err != nil {
		return err
	}
	if live > 0 {
		conflicted = true
	}

	next := expr.Next(now, s.clk.Location())
	reserved, err := s.store.ReserveScheduleFiring(ctx, sc.ID, sc.LastRun, now, next)
	if err != nil {
		return err
	}
	if !reserved {
		// Lost the race to another instance; it owns this firing.
		s.logger.Debug("firing reservation lost", "schedule_id", sc.ID)
		s.updateCached(sc.ID, nil, nil)
		return nil
	}
	s.updateCached(sc.ID, &now, &next)

	if conflicted {
		s.logger.Info("firing skipped, live task inside conflict window",
			"schedule_id", sc.ID, "live", live)
		return nil
	}

	req := model.TaskRequest{
		TaskID:     model.NewID(),
		ProjectID:  sc.ProjectID,
		SpiderID:   sc.SpiderID,
		ScheduleID: sc.ID,
		OwnerID:    sc.OwnerID,
	}
	if _, err := s.submitter.Accept(ctx, req); err != nil {
		// Backpressure and transient store failures alike: surface on
		// the bus, do not roll back next_run. The next firing retries.
		s.logger.Warn("firing submission rejected", "schedule_id", sc.ID, "error", err)
		s.bus.Publish(ctx, model.Event{
			Kind:    model.EventScheduleError,
			Instant: s.clk.Now(),
			Attrs: map[string]string{
				"schedule_id": sc.ID,
				"error":       err.Error(),
			},
		})
		return nil
	}

	s.logger.Info("schedule fired", "schedule_id", sc.ID, "task_id", req.TaskID, "next_run", next)
	s.bus.Publish(ctx, model.Event{
		TaskID:  req.TaskID,
		Kind:    model.EventScheduleFired,
		Instant: s.clk.Now(),
		Attrs:   map[string]string{"schedule_id": sc.ID},
	})
	return nil
}

// updateCached moves the in-memory snapshot forward so the schedule is not
// due again before the next refresh. Nil instants force a reload instead.
func (s *Scheduler) updateCached(id string, lastRun, nextRun *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.schedules {
		if s.schedules[i].ID != id {
			continue
		}
		if lastRun == nil && nextRun == nil {
			// Reservation lost: take the schedule out of the snapshot
			// until the next refresh reloads the winner's state.
			s.schedules[i].NextRun = nil
			return
		}
		s.schedules[i].LastRun = lastRun
		s.schedules[i].NextRun = nextRun
		return
	}
}
