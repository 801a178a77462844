// Package reconciler repairs drift between the task table, the result
// table, and what actually happened on disk.
//
// Every repair path is idempotent and conditional: running the reconciler
// twice in a row leaves the store in the same state as running it once,
// and tasks or results without a detectable defect are never touched.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"

	"crawlplane/internal/bus"
	"crawlplane/internal/clock"
	"crawlplane/internal/config"
	"crawlplane/internal/logging"
	"crawlplane/internal/model"
	"crawlplane/internal/store"
	"crawlplane/internal/tailer"
)

// Liveness answers whether the dispatcher currently supervises a process
// for a task. Stuck detection needs it to distinguish a slow task from a
// dead one.
type Liveness interface {
	HasProcess(taskID string) bool
}

// Reconciler runs the periodic repair sweep.
type Reconciler struct {
	cfg    config.Config
	store  *store.Store
	bus    *bus.Bus
	clk    *clock.Clock
	live   Liveness
	logger *slog.Logger
}

// New creates a reconciler.
func New(cfg config.Config, st *store.Store, b *bus.Bus, clk *clock.Clock, live Liveness, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		store:  st,
		bus:    b,
		clk:    clk,
		live:   live,
		logger: logging.Default(logger).With("component", "reconciler"),
	}
}

// RunOnce scans the sliding window of recent tasks and applies every
// repair whose precondition holds. The core schedules it on the reconcile
// interval; the CLI invokes it directly.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	since := r.clk.Now().Add(-r.cfg.ReconcileWindow)
	tasks, err := r.store.ListTasksSince(ctx, since)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.reconcileTask(ctx, task); err != nil {
			r.logger.Error("task reconciliation failed", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileTask(ctx context.Context, task model.Task) error {
	if !task.Status.Terminal() {
		return r.detectStuck(ctx, task)
	}

	// Duplicate sentinel first so the counts below see a clean table.
	removed, err := r.store.DedupeResults(ctx, task.ID)
	if err != nil {
		return err
	}
	if removed > 0 {
		r.logger.Info("removed duplicate results", "task_id", task.ID, "removed", removed)
		r.repaired(ctx, task.ID, "duplicates", map[string]string{
			"removed": strconv.FormatInt(removed, 10),
		})
	}

	n, err := r.store.CountResults(ctx, task.ID)
	if err != nil {
		return err
	}

	if task.Status == model.StatusFailed {
		if n == 0 && task.OutputFile != "" {
			drained, err := r.drainOutputFile(ctx, task)
			if err != nil {
				return err
			}
			n = drained
		}
		if n > 0 {
			// Results were actually ingested: the failure underreported
			// a success. Never the reverse.
			ok, err := r.store.RepairTaskFinished(ctx, task.ID, n, r.clk.Now())
			if err != nil {
				return err
			}
			if ok {
				r.logger.Info("repaired failed task with ingested results",
					"task_id", task.ID, "items_count", n)
				r.repaired(ctx, task.ID, "underreported_success", map[string]string{
					"items_count": strconv.FormatInt(n, 10),
				})
			}
			return nil
		}
	}

	if n != task.ItemsCount {
		if err := r.store.SetTaskItemsCount(ctx, task.ID, n); err != nil {
			return err
		}
		r.logger.Info("corrected items_count drift",
			"task_id", task.ID, "recorded", task.ItemsCount, "actual", n)
		r.repaired(ctx, task.ID, "count_drift", map[string]string{
			"items_count": strconv.FormatInt(n, 10),
		})
	}
	return nil
}

// detectStuck fails Running tasks whose process is gone and whose start is
// older than the stuck timeout.
func (r *Reconciler) detectStuck(ctx context.Context, task model.Task) error {
	if task.Status != model.StatusRunning || task.StartedAt == nil {
		return nil
	}
	if r.live != nil && r.live.HasProcess(task.ID) {
		return nil
	}
	if r.clk.Now().Sub(*task.StartedAt) < r.cfg.StuckTimeout {
		return nil
	}

	ok, err := r.store.MarkTaskStuckFailed(ctx, task.ID, r.clk.Now(), "no heartbeat")
	if err != nil {
		return err
	}
	if ok {
		r.logger.Warn("failed stuck task", "task_id", task.ID, "started_at", task.StartedAt)
		r.repaired(ctx, task.ID, "stuck", nil)
	}
	return nil
}

// drainOutputFile runs a one-shot tailer over a dead task's output file and
// returns the resulting row count. A missing file is zero results.
func (r *Reconciler) drainOutputFile(ctx context.Context, task model.Task) (int64, error) {
	if _, err := os.Stat(task.OutputFile); err != nil {
		return 0, nil
	}

	tl := tailer.New(tailer.Config{
		TaskID:            task.ID,
		Path:              task.OutputFile,
		FileAppearTimeout: r.cfg.FileAppearTimeout,
		PollInterval:      r.cfg.PollInterval,
		BatchMax:          r.cfg.BatchMax,
		BatchInterval:     r.cfg.BatchInterval,
		MaxPendingBytes:   r.cfg.MaxPendingBytes,
		DedupMemoryCap:    r.cfg.DedupMemoryCap,
	}, r.store, r.bus, r.clk, r.logger)

	go func() { _ = tl.Run(ctx) }()
	if err := tl.Drain(ctx); err != nil && !errors.Is(err, tailer.ErrFileNeverAppeared) {
		return 0, err
	}
	return r.store.CountResults(ctx, task.ID)
}

func (r *Reconciler) repaired(ctx context.Context, taskID, repair string, attrs map[string]string) {
	if attrs == nil {
		attrs = make(map[string]string, 1)
	}
	attrs["repair"] = repair
	r.bus.Publish(ctx, model.Event{
		TaskID:  taskID,
		Kind:    model.EventTaskRepaired,
		Instant: r.clk.Now(),
		Attrs:   attrs,
	})
}
