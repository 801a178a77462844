// Package tailer ingests a task's JSONL output file into the store.
//
// One tailer owns one output file for the lifetime of one task. It follows
// the file with fsnotify plus a poll fallback, keeps a byte-offset cursor
// and a partial-line buffer so lines split across writes are never parsed
// early, and deduplicates records by content fingerprint before batching
// them into the store.
package tailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"crawlplane/internal/bus"
	"crawlplane/internal/clock"
	"crawlplane/internal/model"
	"crawlplane/internal/payload"
	"crawlplane/internal/store"
)

// ErrFileNeverAppeared is returned by Run when the output file did not show
// up within the configured appearance timeout.
var ErrFileNeverAppeared = errors.New("tailer: output file never appeared")

// Config tunes a single tailer.
type Config struct {
	TaskID            string
	Path              string // absolute path of the JSONL output file
	FileAppearTimeout time.Duration
	PollInterval      time.Duration
	BatchMax          int
	BatchInterval     time.Duration
	MaxPendingBytes   int64
	DedupMemoryCap    int
}

// Stats is a snapshot of a tailer's counters.
type Stats struct {
	Items      int64 // results persisted
	Staged     int64 // results read but not yet flushed
	Errors     int64 // malformed lines skipped
	Duplicates int64 // records dropped by fingerprint dedup
}

// Tailer follows one output file and writes its records to the store.
type Tailer struct {
	cfg    Config
	store  *store.Store
	bus    *bus.Bus
	clk    *clock.Clock
	logger *slog.Logger

	// progress throttles task_progress emission; result batches are
	// persisted regardless.
	progress *rate.Limiter

	drainOnce sync.Once
	drainCh   chan struct{}
	doneCh    chan struct{}
	runErr    error

	mu    sync.Mutex
	stats Stats

	// reader state, owned by Run
	offset    int64
	lineBuf   []byte
	seen      map[string]struct{} // bounded by DedupMemoryCap
	pending   []model.Result
	pendingFP map[string]struct{} // fingerprints in the unflushed batch
	pendingB  int64               // payload bytes in the unflushed batch
}

// New creates a tailer for one task's output file.
func New(cfg Config, st *store.Store, b *bus.Bus, clk *clock.Clock, logger *slog.Logger) *Tailer {
	return &Tailer{
		cfg:       cfg,
		store:     st,
		bus:       b,
		clk:       clk,
		logger:    logger.With("component", "tailer", "task_id", cfg.TaskID),
		progress:  rate.NewLimiter(rate.Every(time.Second), 1),
		drainCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
		seen:      make(map[string]struct{}),
		pendingFP: make(map[string]struct{}),
	}
}

// Stats returns a snapshot of the counters.
func (t *Tailer) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Drain asks Run to read to EOF, flush, and stop, then waits for it.
// Returns Run's final error. Safe to call more than once.
func (t *Tailer) Drain(ctx context.Context) error {
	t.drainOnce.Do(func() { close(t.drainCh) })
	select {
	case <-t.doneCh:
		return t.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run follows the file until the context is cancelled or Drain is called.
// The tailer always reads from offset zero; re-reads after a restart are
// absorbed by the fingerprint dedup, which is re-seeded from the store.
func (t *Tailer) Run(ctx context.Context) error {
	defer close(t.doneCh)
	t.runErr = t.run(ctx)
	return t.runErr
}

func (t *Tailer) run(ctx context.Context) error {
	if err := t.waitForFile(ctx); err != nil {
		return err
	}

	// Re-seed dedup so a restarted tailer does not duplicate rows it
	// already persisted before going down.
	fps, err := t.store.ResultFingerprints(ctx, t.cfg.TaskID)
	if err != nil {
		return err
	}
	for _, fp := range fps {
		if len(t.seen) >= t.cfg.DedupMemoryCap {
			break
		}
		t.seen[fp] = struct{}{}
	}

	f, err := os.Open(filepath.Clean(t.cfg.Path))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(t.cfg.Path); err != nil {
		t.logger.Warn("failed to watch output file, relying on polling", "error", err)
	}

	poll := t.clk.NewTicker(t.cfg.PollInterval)
	defer poll.Stop()
	batch := t.clk.NewTicker(t.cfg.BatchInterval)
	defer batch.Stop()

	t.readNewLines(ctx, f)

	for {
		select {
		case <-ctx.Done():
			// Final read and flush run on a detached context so
			// staged records survive cancellation.
			final := context.WithoutCancel(ctx)
			t.readNewLines(final, f)
			t.flush(final)
			return nil

		case <-t.drainCh:
			// Drain must persist what reached disk even when the run
			// context was cancelled first.
			final := context.WithoutCancel(ctx)
			t.readNewLines(final, f)
			t.flush(final)
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Write) {
				t.readNewLines(ctx, f)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn("fsnotify error", "error", err)

		case <-poll.Chan():
			t.readNewLines(ctx, f)

		case <-batch.Chan():
			if len(t.pending) > 0 {
				t.flush(ctx)
			}
		}
	}
}

// waitForFile blocks until the output file exists. Scrapers create it on
// first item, so a short grace period is normal.
func (t *Tailer) waitForFile(ctx context.Context) error {
	deadline := t.clk.After(t.cfg.FileAppearTimeout)
	for {
		if _, err := os.Stat(t.cfg.Path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.drainCh:
			// The subprocess already exited; one last look.
			if _, err := os.Stat(t.cfg.Path); err == nil {
				return nil
			}
			return ErrFileNeverAppeared
		case <-deadline:
			return ErrFileNeverAppeared
		case <-t.clk.After(50 * time.Millisecond):
		}
	}
}

// readChunk bounds a single read so one call never holds a whole large
// file in memory.
const readChunk = 1 << 20

// readNewLines consumes complete lines between the cursor and the current
// file size. Bytes after the last newline stay in the partial-line buffer
// so a half-written record is never parsed. Reading pauses when the
// unflushed batch exceeds the pending-bytes cap; the cursor stays put so
// the remainder is picked up after the next successful flush.
func (t *Tailer) readNewLines(ctx context.Context, f *os.File) {
	info, err := os.Stat(t.cfg.Path)
	if err != nil {
		t.logger.Warn("failed to stat output file", "error", err)
		return
	}

	// Truncation means the scraper rewrote the file; start over. Dedup
	// absorbs any records we have already stored.
	if info.Size() < t.offset {
		t.logger.Info("output file truncated, resetting cursor")
		t.offset = 0
		t.lineBuf = nil
	}

	for t.offset < info.Size() {
		if t.pendingB >= t.cfg.MaxPendingBytes && !t.flush(ctx) {
			return
		}

		chunk := min(info.Size()-t.offset, readChunk)
		buf := make([]byte, chunk)
		n, err := f.ReadAt(buf, t.offset)
		if n == 0 {
			if err != nil && err != io.EOF {
				t.logger.Warn("failed to read output file", "error", err)
			}
			return
		}
		t.offset += int64(n)

		data := buf[:n]
		for {
			i := bytes.IndexByte(data, '\n')
			if i < 0 {
				t.lineBuf = append(t.lineBuf, data...)
				break
			}
			line := data[:i]
			data = data[i+1:]
			if len(t.lineBuf) > 0 {
				line = append(t.lineBuf, line...)
				t.lineBuf = nil
			}
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			if len(line) == 0 {
				continue
			}
			t.ingestLine(ctx, line)
		}
	}

	if len(t.pending) >= t.cfg.BatchMax {
		t.flush(ctx)
	}
}

// ingestLine parses, deduplicates, and stages one record.
func (t *Tailer) ingestLine(ctx context.Context, line []byte) {
	v, err := payload.Parse(line)
	if err != nil {
		t.mu.Lock()
		t.stats.Errors++
		t.mu.Unlock()
		t.logger.Warn("skipping malformed line", "error", err)
		return
	}

	fp := v.Fingerprint()
	if t.isDuplicate(ctx, fp) {
		t.mu.Lock()
		t.stats.Duplicates++
		t.mu.Unlock()
		return
	}

	r := model.Result{
		ID:          model.NewID(),
		TaskID:      t.cfg.TaskID,
		Payload:     v.Canonical(),
		Fingerprint: fp,
		CreatedAt:   t.clk.Now(),
	}
	if u, ok := v.URL(); ok {
		r.URL = u
	}
	if cs, ok := v.CrawlStart(); ok {
		r.CrawlStart = &cs
	}
	if ia, ok := v.ItemAcquired(); ok {
		r.ItemAcquired = &ia
	}

	t.pending = append(t.pending, r)
	t.pendingFP[fp] = struct{}{}
	t.pendingB += int64(len(r.Payload))
	t.mu.Lock()
	t.stats.Staged = int64(len(t.pending))
	t.mu.Unlock()

	if len(t.pending) >= t.cfg.BatchMax {
		t.flush(ctx)
	}
}

// isDuplicate checks the staged batch, the bounded in-memory set, and
// finally the store once the set has reached its cap.
func (t *Tailer) isDuplicate(ctx context.Context, fp string) bool {
	if _, ok := t.pendingFP[fp]; ok {
		return true
	}
	if _, ok := t.seen[fp]; ok {
		return true
	}
	if len(t.seen) < t.cfg.DedupMemoryCap {
		t.seen[fp] = struct{}{}
		return false
	}
	dup, err := t.store.HasResultFingerprint(ctx, t.cfg.TaskID, fp)
	if err != nil {
		// Dedup is best-effort under store failure; the reconciler's
		// duplicate sweep is the safety net.
		t.logger.Warn("fingerprint lookup failed, ingesting anyway", "error", err)
		return false
	}
	return dup
}

// flush persists the staged batch and updates the task counters. The batch
// is kept on failure so nothing is lost; reports whether it is now empty.
func (t *Tailer) flush(ctx context.Context) bool {
	if len(t.pending) == 0 {
		return true
	}
	if err := t.store.InsertResults(ctx, t.pending); err != nil {
		t.logger.Error("failed to persist result batch", "size", len(t.pending), "error", err)
		return false
	}

	n := len(t.pending)
	t.pending = t.pending[:0]
	t.pendingFP = make(map[string]struct{})
	t.pendingB = 0

	t.mu.Lock()
	t.stats.Items += int64(n)
	t.stats.Staged = 0
	items, errs := t.stats.Items, t.stats.Errors
	t.mu.Unlock()

	if err := t.store.SetTaskCounts(ctx, t.cfg.TaskID, items, errs); err != nil {
		t.logger.Warn("failed to update task counters", "error", err)
	}

	t.bus.Publish(ctx, model.Event{
		TaskID:  t.cfg.TaskID,
		Kind:    model.EventResultIngested,
		Instant: t.clk.Now(),
		Attrs:   map[string]string{"batch": strconv.Itoa(n)},
	})
	if t.progress.Allow() {
		t.bus.Publish(ctx, model.Event{
			TaskID:  t.cfg.TaskID,
			Kind:    model.EventTaskProgress,
			Instant: t.clk.Now(),
			Attrs: map[string]string{
				"items_count": strconv.FormatInt(items, 10),
				"error_count": strconv.FormatInt(errs, 10),
			},
		})
	}
	return true
}
