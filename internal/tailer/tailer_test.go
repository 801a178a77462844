package tailer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crawlplane/internal/bus"
	"crawlplane/internal/clock"
	"crawlplane/internal/logging"
	"crawlplane/internal/model"
	"crawlplane/internal/store"
)

func testConfig(taskID, path string) Config {
	return Config{
		TaskID:            taskID,
		Path:              path,
		FileAppearTimeout: 2 * time.Second,
		PollInterval:      20 * time.Millisecond,
		BatchMax:          200,
		BatchInterval:     50 * time.Millisecond,
		MaxPendingBytes:   16 << 20,
		DedupMemoryCap:    100000,
	}
}

func newTestTailer(t *testing.T, cfg Config) (*Tailer, *store.Store, *bus.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clk, err := clock.New("UTC")
	if err != nil {
		t.Fatalf("clock.New: %v", err)
	}

	b := bus.New(logging.Discard())
	t.Cleanup(func() { b.Close() })

	seedTask(t, st, cfg.TaskID)
	return New(cfg, st, b, clk, logging.Discard()), st, b
}

func seedTask(t *testing.T, st *store.Store, id string) {
	t.Helper()
	task := &model.Task{
		ID:        id,
		ProjectID: "proj-1",
		SpiderID:  "spider-1",
		Status:    model.StatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
}

// startTailer runs the tailer in the background and fails the test if Run
// returns an unexpected error.
func startTailer(t *testing.T, tl *Tailer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = tl.Run(ctx) }()
}

func drain(t *testing.T, tl *Tailer) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tl.Drain(ctx)
}

func line(i int) string {
	return fmt.Sprintf(`{"url":"https://example.com/%d","title":"item %d","crawl_start_datetime":"2026-08-26T03:00:00Z"}`, i, i)
}

func TestIngestAndDrain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results_task-1.jsonl")

	content := line(1) + "\n" + line(2) + "\n" + line(3) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	tl, st, _ := newTestTailer(t, testConfig("task-1", path))
	startTailer(t, tl)

	if err := drain(t, tl); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	ctx := context.Background()
	n, err := st.CountResults(ctx, "task-1")
	if err != nil {
		t.Fatalf("CountResults: %v", err)
	}
	if n != 3 {
		t.Errorf("stored %d results, want 3", n)
	}

	stats := tl.Stats()
	if stats.Items != 3 || stats.Errors != 0 {
		t.Errorf("stats = %+v, want 3 items, 0 errors", stats)
	}

	task, err := st.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.ItemsCount != 3 {
		t.Errorf("items_count = %d, want 3", task.ItemsCount)
	}

	results, err := st.ListResults(ctx, "task-1", 10, 0)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if results[0].URL != "https://example.com/1" {
		t.Errorf("url = %q", results[0].URL)
	}
	if results[0].CrawlStart == nil {
		t.Error("crawl_start not extracted")
	}
}

func TestMalformedLinesSkippedAndCounted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")

	content := line(1) + "\n" +
		"{broken json\n" +
		`["not","an","object"]` + "\n" +
		line(2) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	tl, st, _ := newTestTailer(t, testConfig("task-1", path))
	startTailer(t, tl)
	if err := drain(t, tl); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	stats := tl.Stats()
	if stats.Items != 2 {
		t.Errorf("items = %d, want 2", stats.Items)
	}
	if stats.Errors != 2 {
		t.Errorf("errors = %d, want 2", stats.Errors)
	}

	task, err := st.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.ErrorCount != 2 {
		t.Errorf("error_count = %d, want 2", task.ErrorCount)
	}
}

func TestDuplicateRecordsDropped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")

	// Same content, different field order and volatile keys: one row.
	a := `{"url":"https://example.com/1","price":"9.99","scraped_at":"2026-08-26T03:00:00Z"}`
	b := `{"price":"9.99","url":"https://example.com/1","scraped_at":"2026-08-26T03:05:00Z"}`
	if err := os.WriteFile(path, []byte(a+"\n"+b+"\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	tl, st, _ := newTestTailer(t, testConfig("task-1", path))
	startTailer(t, tl)
	if err := drain(t, tl); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	n, err := st.CountResults(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("CountResults: %v", err)
	}
	if n != 1 {
		t.Errorf("stored %d results, want 1", n)
	}
	if d := tl.Stats().Duplicates; d != 1 {
		t.Errorf("duplicates = %d, want 1", d)
	}
}

func TestPartialLineNotParsedEarly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")

	full := line(1)
	// First half of the record, no newline.
	if err := os.WriteFile(path, []byte(full[:20]), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	tl, st, _ := newTestTailer(t, testConfig("task-1", path))
	startTailer(t, tl)

	// Give the tailer time to see the partial write.
	time.Sleep(100 * time.Millisecond)
	if got := tl.Stats(); got.Items != 0 || got.Errors != 0 {
		t.Fatalf("partial line consumed early: %+v", got)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := f.WriteString(full[20:] + "\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	if err := drain(t, tl); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	n, err := st.CountResults(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("CountResults: %v", err)
	}
	if n != 1 {
		t.Errorf("stored %d results, want 1", n)
	}
	if e := tl.Stats().Errors; e != 0 {
		t.Errorf("errors = %d, want 0", e)
	}
}

func TestColdRestartDoesNotDuplicate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")
	content := line(1) + "\n" + line(2) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	cfg := testConfig("task-1", path)
	tl1, st, b := newTestTailer(t, cfg)
	startTailer(t, tl1)
	if err := drain(t, tl1); err != nil {
		t.Fatalf("first Drain: %v", err)
	}

	// Second tailer on the same file and store: rereads from offset zero,
	// re-seeds dedup from the stored fingerprints.
	clk, err := clock.New("UTC")
	if err != nil {
		t.Fatalf("clock.New: %v", err)
	}
	tl2 := New(cfg, st, b, clk, logging.Discard())
	startTailer(t, tl2)
	if err := drain(t, tl2); err != nil {
		t.Fatalf("second Drain: %v", err)
	}

	n, err := st.CountResults(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("CountResults: %v", err)
	}
	if n != 2 {
		t.Errorf("stored %d results after restart, want 2", n)
	}
	if d := tl2.Stats().Duplicates; d != 2 {
		t.Errorf("restart duplicates = %d, want 2", d)
	}
}

func TestFileNeverAppears(t *testing.T) {
	cfg := testConfig("task-1", filepath.Join(t.TempDir(), "never.jsonl"))
	cfg.FileAppearTimeout = 100 * time.Millisecond

	tl, _, _ := newTestTailer(t, cfg)
	err := tl.Run(context.Background())
	if !errors.Is(err, ErrFileNeverAppeared) {
		t.Errorf("Run = %v, want ErrFileNeverAppeared", err)
	}
}

func TestDrainBeforeFileAppears(t *testing.T) {
	cfg := testConfig("task-1", filepath.Join(t.TempDir(), "never.jsonl"))
	tl, _, _ := newTestTailer(t, cfg)
	startTailer(t, tl)

	if err := drain(t, tl); !errors.Is(err, ErrFileNeverAppeared) {
		t.Errorf("Drain = %v, want ErrFileNeverAppeared", err)
	}
}

func TestEventsPublishedOnIngest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")
	if err := os.WriteFile(path, []byte(line(1)+"\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	tl, _, b := newTestTailer(t, testConfig("task-1", path))
	sub := b.Subscribe("task-1", 16)
	defer sub.Close()

	startTailer(t, tl)
	if err := drain(t, tl); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	var kinds []model.EventKind
	timeout := time.After(2 * time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-sub.C:
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}
	if kinds[0] != model.EventResultIngested {
		t.Errorf("first event = %q, want result_ingested", kinds[0])
	}
	if kinds[1] != model.EventTaskProgress {
		t.Errorf("second event = %q, want task_progress", kinds[1])
	}
}

func TestAppendAfterStartIsTailed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	tl, st, _ := newTestTailer(t, testConfig("task-1", path))
	startTailer(t, tl)
	time.Sleep(50 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	for i := range 5 {
		if _, err := f.WriteString(line(i) + "\n"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	f.Close()

	if err := drain(t, tl); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	n, err := st.CountResults(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("CountResults: %v", err)
	}
	if n != 5 {
		t.Errorf("stored %d results, want 5", n)
	}
}

// Draining after the run context is already cancelled must still persist
// the staged batch: whichever branch the run loop takes, the final read
// and flush run detached from the dead context.
func TestDrainAfterContextCancelledPersistsBatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results_task-1.jsonl")
	content := line(1) + "\n" + line(2) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	cfg := testConfig("task-1", path)
	// Keep everything staged until the drain.
	cfg.BatchInterval = time.Hour
	tl, st, _ := newTestTailer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tl.Run(ctx)
	}()

	// Let the tailer stage the two lines, then kill its context before
	// asking it to drain.
	deadline := time.Now().Add(2 * time.Second)
	for tl.Stats().Staged < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := tl.Stats().Staged; got < 2 {
		t.Fatalf("staged %d records, want 2 before cancelling", got)
	}
	cancel()
	if err := drain(t, tl); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	<-done

	n, err := st.CountResults(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("CountResults: %v", err)
	}
	if n != 2 {
		t.Errorf("stored %d results, want 2", n)
	}
}
