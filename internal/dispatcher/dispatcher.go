// Package dispatcher bounds task concurrency, spawns scraper subprocesses,
// and supervises them from spawn to terminal state.
//
// The accept path is the single writer of the queue; a fixed worker pool
// consumes it. Each running task owns exactly one tailer, registered in the
// active-task map keyed by task id. The map doubles as the liveness table
// the reconciler and the retention manager consult.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"crawlplane/internal/bus"
	"crawlplane/internal/clock"
	"crawlplane/internal/config"
	"crawlplane/internal/logging"
	"crawlplane/internal/model"
	"crawlplane/internal/store"
	"crawlplane/internal/tailer"
)

var (
	// ErrBackpressure is the synchronous rejection when the queue is at
	// capacity or a project is at its concurrency limit. The caller does
	// not retry; the next cron firing is the retry.
	ErrBackpressure = errors.New("dispatcher: queue full")
	// ErrNotActive is returned by Cancel for tasks that are neither
	// running nor still queued.
	ErrNotActive = errors.New("dispatcher: task not active")

	errCancelled   = errors.New("task cancelled")
	errTaskTimeout = errors.New("task timeout")
)

// stderrTailBytes bounds the captured stderr tail persisted on the task.
const stderrTailBytes = 8 * 1024

// activeTask is the supervision record for one running subprocess.
type activeTask struct {
	outputFile string
	cancel     context.CancelCauseFunc
}

// Dispatcher runs the worker pool.
type Dispatcher struct {
	cfg    config.Config
	store  *store.Store
	bus    *bus.Bus
	clk    *clock.Clock
	logger *slog.Logger

	queue chan model.TaskRequest

	mu     sync.Mutex
	queued int
	active map[string]*activeTask
}

// New creates a dispatcher. Run must be called before Accept will make
// progress.
func New(cfg config.Config, st *store.Store, b *bus.Bus, clk *clock.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		store:  st,
		bus:    b,
		clk:    clk,
		logger: logging.Default(logger).With("component", "dispatcher"),
		queue:  make(chan model.TaskRequest, cfg.QueueCapacity),
		active: make(map[string]*activeTask),
	}
}

// Run blocks consuming the queue with max_concurrent_tasks workers until
// the context is cancelled. Running subprocesses receive SIGTERM on
// cancellation and SIGKILL after the hard-kill grace period.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for range d.cfg.MaxConcurrentTasks {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case req := <-d.queue:
					d.mu.Lock()
					d.queued--
					d.mu.Unlock()
					d.runTask(gctx, req)
				}
			}
		})
	}
	return g.Wait()
}

// Accept persists a Pending task and enqueues it. A full queue rejects
// synchronously with Backpressure and leaves no task row behind.
func (d *Dispatcher) Accept(ctx context.Context, req model.TaskRequest) (*model.Task, error) {
	if req.TaskID == "" {
		req.TaskID = model.NewID()
	}

	if d.cfg.PerProjectLimit > 0 {
		n, err := d.store.CountLiveTasksForProject(ctx, req.ProjectID)
		if err != nil {
			return nil, err
		}
		if n >= d.cfg.PerProjectLimit {
			return nil, fmt.Errorf("%w: project %s at per-project limit", ErrBackpressure, req.ProjectID)
		}
	}

	// Reserve a queue slot before persisting so a full queue never
	// creates a task row.
	d.mu.Lock()
	if d.queued >= d.cfg.QueueCapacity {
		d.mu.Unlock()
		return nil, ErrBackpressure
	}
	d.queued++
	d.mu.Unlock()

	task := &model.Task{
		ID:         req.TaskID,
		ProjectID:  req.ProjectID,
		SpiderID:   req.SpiderID,
		ScheduleID: req.ScheduleID,
		OwnerID:    req.OwnerID,
		Status:     model.StatusPending,
		Settings:   req.Settings,
		CreatedAt:  d.clk.Now(),
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		d.mu.Lock()
		d.queued--
		d.mu.Unlock()
		return nil, err
	}

	// The slot was reserved above, so this send cannot block.
	d.queue <- req
	return task, nil
}

// Cancel stops a task. Running tasks get SIGTERM (SIGKILL after the grace
// period); queued Pending tasks are marked Cancelled so the worker skips
// them on dequeue.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	d.mu.Lock()
	at, ok := d.active[taskID]
	d.mu.Unlock()
	if ok {
		at.cancel(errCancelled)
		return nil
	}

	done, err := d.store.CompleteTask(ctx, taskID, model.StatusCancelled, d.clk.Now(),
		store.TaskOutcome{ErrorMessage: "cancelled before start"})
	if err != nil {
		return err
	}
	if !done {
		return ErrNotActive
	}
	d.publish(ctx, taskID, model.EventTaskCancelled, nil)
	return nil
}

// HasProcess reports whether the dispatcher currently supervises a live
// subprocess for the task. The reconciler's stuck detection relies on this.
func (d *Dispatcher) HasProcess(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[taskID]
	return ok
}

// ActiveOutputFiles returns the output paths of all live tasks. Retention
// must never rewrite a file a tailer is still reading.
func (d *Dispatcher) ActiveOutputFiles() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.active))
	for id, at := range d.active {
		out[id] = at.outputFile
	}
	return out
}

// QueueDepth returns the number of requests waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued
}

// runTask executes one task end to end: spawn, tail, supervise, classify.
func (d *Dispatcher) runTask(ctx context.Context, req model.TaskRequest) {
	logger := d.logger.With("task_id", req.TaskID)

	// The whole spawn phase (lookups, state transition, process start)
	// runs under the spawn timeout.
	spawnCtx, cancelSpawn := context.WithTimeout(ctx, d.cfg.SpawnTimeout)
	defer cancelSpawn()

	project, err := d.store.GetProject(spawnCtx, req.ProjectID)
	if err != nil {
		d.failBeforeSpawn(ctx, req.TaskID, fmt.Sprintf("project lookup failed: %v", err))
		return
	}
	spider, err := d.store.GetSpider(spawnCtx, req.SpiderID)
	if err != nil {
		d.failBeforeSpawn(ctx, req.TaskID, fmt.Sprintf("spider lookup failed: %v", err))
		return
	}

	projectDir := filepath.Join(d.cfg.DataDir, project.Path)
	outputFile := filepath.Join(projectDir, "results_"+req.TaskID+".jsonl")

	startedAt := d.clk.Now()
	ok, err := d.store.MarkTaskRunning(spawnCtx, req.TaskID, startedAt, outputFile)
	if err != nil {
		logger.Error("failed to mark task running", "error", err)
		return
	}
	if !ok {
		// Cancelled while queued.
		logger.Info("task no longer pending, skipping")
		return
	}

	taskCtx, cancel := context.WithCancelCause(ctx)
	taskCtx, cancelTimeout := context.WithTimeoutCause(taskCtx, d.cfg.TaskTimeout, errTaskTimeout)
	defer cancelTimeout()
	defer cancel(nil)

	d.mu.Lock()
	d.active[req.TaskID] = &activeTask{outputFile: outputFile, cancel: cancel}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, req.TaskID)
		d.mu.Unlock()
	}()

	tl := tailer.New(tailer.Config{
		TaskID:            req.TaskID,
		Path:              outputFile,
		FileAppearTimeout: d.cfg.FileAppearTimeout,
		PollInterval:      d.cfg.PollInterval,
		BatchMax:          d.cfg.BatchMax,
		BatchInterval:     d.cfg.BatchInterval,
		MaxPendingBytes:   d.cfg.MaxPendingBytes,
		DedupMemoryCap:    d.cfg.DedupMemoryCap,
	}, d.store, d.bus, d.clk, logger)
	// The tailer outlives taskCtx cancellation so it can drain after the
	// subprocess dies; it runs on the worker context instead.
	go func() { _ = tl.Run(ctx) }()

	stderr := newRingBuffer(stderrTailBytes)
	var stdoutBytes atomic.Int64

	cmd := exec.CommandContext(taskCtx, d.cfg.ScraperCommand,
		buildArgs(spider.Name, outputFile, effectiveSettings(project, spider, req))...)
	cmd.Dir = projectDir
	cmd.Env = subprocessEnv(d.cfg, project, req.TaskID, outputFile, startedAt)
	cmd.Stderr = stderr
	cmd.Stdout = countingWriter{&stdoutBytes}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = d.cfg.HardKillGracePeriod

	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		d.finish(ctx, req.TaskID, tl, model.StatusFailed, fmt.Sprintf("create project directory: %v", err), stderr)
		return
	}
	if err := cmd.Start(); err != nil {
		logger.Error("spawn failed", "command", d.cfg.ScraperCommand, "error", err)
		d.finish(ctx, req.TaskID, tl, model.StatusFailed, fmt.Sprintf("spawn: %v", err), stderr)
		return
	}

	logger.Info("task started", "pid", cmd.Process.Pid, "output_file", outputFile)
	d.publish(ctx, req.TaskID, model.EventTaskStarted, map[string]string{
		"spider": spider.Name,
	})

	waitErr := cmd.Wait()

	status, message := d.classify(taskCtx, waitErr, outputFile, stdoutBytes.Load())
	d.finish(ctx, req.TaskID, tl, status, message, stderr)
}

// classify maps subprocess exit conditions onto a terminal status per the
// lifecycle table. A non-zero exit is Failed even when results were
// ingested; the reconciler repairs that case to Finished.
func (d *Dispatcher) classify(taskCtx context.Context, waitErr error, outputFile string, stdoutBytes int64) (model.TaskStatus, string) {
	switch cause := context.Cause(taskCtx); {
	case errors.Is(cause, errCancelled):
		return model.StatusCancelled, "cancelled"
	case errors.Is(cause, errTaskTimeout):
		return model.StatusFailed, "task timeout"
	}

	_, statErr := os.Stat(outputFile)
	if statErr != nil && stdoutBytes > 0 {
		// Misconfigured scrapers dump items to stdout instead of the
		// output file. Never trust the exit code for those.
		return model.StatusFailed, "wrote to stdout but produced no output file"
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return model.StatusFailed, fmt.Sprintf("exited with code %d", exitErr.ExitCode())
		}
		return model.StatusFailed, fmt.Sprintf("subprocess: %v", waitErr)
	}
	// Exit 0 with a missing output file counts as zero results.
	return model.StatusFinished, ""
}

// finish drains the tailer, computes final statistics, persists the
// terminal state, and emits the terminal event. Runs on a detached context
// so shutdown does not lose the outcome.
func (d *Dispatcher) finish(ctx context.Context, taskID string, tl *tailer.Tailer, status model.TaskStatus, message string, stderr *ringBuffer) {
	ctx = context.WithoutCancel(ctx)
	logger := d.logger.With("task_id", taskID)

	drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	drainErr := tl.Drain(drainCtx)
	cancel()
	if drainErr != nil && !errors.Is(drainErr, tailer.ErrFileNeverAppeared) {
		logger.Warn("tailer drain failed", "error", drainErr)
	}

	// items_count is the authoritative row count, not the tailer's view.
	items, err := d.store.CountResults(ctx, taskID)
	if err != nil {
		logger.Warn("failed to count results", "error", err)
		items = tl.Stats().Items
	}

	out := store.TaskOutcome{
		ItemsCount:   items,
		ErrorCount:   tl.Stats().Errors,
		ErrorMessage: message,
		StderrTail:   stderr.String(),
	}
	ok, err := d.store.CompleteTask(ctx, taskID, status, d.clk.Now(), out)
	if err != nil {
		logger.Error("failed to persist terminal state", "status", status, "error", err)
		return
	}
	if !ok {
		logger.Warn("task already terminal, outcome discarded", "status", status)
		return
	}

	logger.Info("task finished", "status", status, "items_count", items, "error", message)
	d.publish(ctx, taskID, terminalEvent(status), map[string]string{
		"items_count": strconv.FormatInt(items, 10),
	})
}

// failBeforeSpawn persists a Failed outcome for a task that never got a
// subprocess, so the timeline never loses a requested run.
func (d *Dispatcher) failBeforeSpawn(ctx context.Context, taskID, message string) {
	ctx = context.WithoutCancel(ctx)
	d.logger.Error("task failed before spawn", "task_id", taskID, "error", message)
	ok, err := d.store.CompleteTask(ctx, taskID, model.StatusFailed, d.clk.Now(),
		store.TaskOutcome{ErrorMessage: message})
	if err != nil || !ok {
		d.logger.Error("failed to persist pre-spawn failure", "task_id", taskID, "error", err)
		return
	}
	d.publish(ctx, taskID, model.EventTaskFailed, nil)
}

func (d *Dispatcher) publish(ctx context.Context, taskID string, kind model.EventKind, attrs map[string]string) {
	d.bus.Publish(ctx, model.Event{
		TaskID:  taskID,
		Kind:    kind,
		Instant: d.clk.Now(),
		Attrs:   attrs,
	})
}

func terminalEvent(status model.TaskStatus) model.EventKind {
	switch status {
	case model.StatusFinished:
		return model.EventTaskFinished
	case model.StatusCancelled:
		return model.EventTaskCancelled
	default:
		return model.EventTaskFailed
	}
}

// effectiveSettings merges spider settings, the request override, and the
// generated pipeline configuration. The scraper is untrusted to configure
// its own persistence pipeline.
func effectiveSettings(project *model.Project, spider *model.Spider, req model.TaskRequest) map[string]string {
	settings := make(map[string]string, len(spider.Settings)+len(req.Settings)+1)
	for k, v := range spider.Settings {
		settings[k] = v
	}
	for k, v := range req.Settings {
		settings[k] = v
	}
	if project.PersistResults {
		settings["ITEM_PIPELINES"] = `{"crawlplane.pipelines.JSONLinesPipeline":100,"crawlplane.pipelines.DatabasePipeline":200}`
	} else {
		settings["ITEM_PIPELINES"] = `{"crawlplane.pipelines.JSONLinesPipeline":100}`
	}
	return settings
}

// buildArgs renders the scraper argv: crawl <spider> -o <file> -s K=V...
// Settings are sorted so argv is deterministic.
func buildArgs(spiderName, outputFile string, settings map[string]string) []string {
	args := []string{"crawl", spiderName, "-o", outputFile}
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-s", k+"="+settings[k])
	}
	return args
}

// subprocessEnv builds the environment per the subprocess contract.
func subprocessEnv(cfg config.Config, project *model.Project, taskID, outputFile string, startedAt time.Time) []string {
	env := append(os.Environ(),
		"TASK_ID="+taskID,
		"OUTPUT_FILE="+outputFile,
		"CRAWL_START="+startedAt.UTC().Format(time.RFC3339),
	)
	if project.PersistResults && cfg.DBURL != "" {
		env = append(env, "DATABASE_URL="+cfg.DBURL)
	}
	return env
}

// countingWriter records how many bytes the subprocess wrote to stdout.
// Output classification needs the fact, not the content.
type countingWriter struct{ n *atomic.Int64 }

func (w countingWriter) Write(p []byte) (int, error) {
	w.n.Add(int64(len(p)))
	return len(p), nil
}
