package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crawlplane/internal/bus"
	"crawlplane/internal/clock"
	"crawlplane/internal/config"
	"crawlplane/internal/logging"
	"crawlplane/internal/model"
	"crawlplane/internal/store"
)

type fakeLiveness map[string]bool

func (f fakeLiveness) HasProcess(taskID string) bool { return f[taskID] }

type testEnv struct {
	store *store.Store
	bus   *bus.Bus
	clk   *clock.Clock
	live  fakeLiveness
	rec   *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
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

	live := fakeLiveness{}
	cfg := config.Default()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.BatchInterval = 50 * time.Millisecond
	cfg.FileAppearTimeout = 200 * time.Millisecond
	return &testEnv{
		store: st,
		bus:   b,
		clk:   clk,
		live:  live,
		rec:   New(cfg, st, b, clk, live, logging.Discard()),
	}
}

// seedTask inserts a task directly in the given state.
func (e *testEnv) seedTask(t *testing.T, status model.TaskStatus, mutate func(*model.Task)) *model.Task {
	t.Helper()
	task := &model.Task{
		ID:        model.NewID(),
		ProjectID: "proj-1",
		SpiderID:  "spider-1",
		Status:    status,
		CreatedAt: e.clk.Now(),
	}
	if mutate != nil {
		mutate(task)
	}
	if err := e.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func (e *testEnv) seedResults(t *testing.T, taskID string, n int) {
	t.Helper()
	results := make([]model.Result, n)
	for i := range results {
		results[i] = model.Result{
			ID:          model.NewID(),
			TaskID:      taskID,
			Payload:     []byte(`{"title":"x"}`),
			Fingerprint: model.NewID(), // distinct fingerprints
			CreatedAt:   e.clk.Now(),
		}
	}
	if err := e.store.InsertResults(context.Background(), results); err != nil {
		t.Fatalf("InsertResults: %v", err)
	}
}

func TestStuckRunningTaskFailed(t *testing.T) {
	env := newTestEnv(t)
	old := env.clk.Now().Add(-time.Hour)
	task := env.seedTask(t, model.StatusRunning, func(tk *model.Task) {
		tk.StartedAt = &old
	})

	if err := env.rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := env.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.ErrorMessage != "no heartbeat" {
		t.Errorf("error_message = %q, want %q", got.ErrorMessage, "no heartbeat")
	}
}

func TestRunningWithLiveProcessUntouched(t *testing.T) {
	env := newTestEnv(t)
	old := env.clk.Now().Add(-time.Hour)
	task := env.seedTask(t, model.StatusRunning, func(tk *model.Task) {
		tk.StartedAt = &old
	})
	env.live[task.ID] = true

	if err := env.rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := env.store.GetTask(context.Background(), task.ID)
	if got.Status != model.StatusRunning {
		t.Errorf("status = %q, want running (process is live)", got.Status)
	}
}

func TestRecentRunningUntouched(t *testing.T) {
	env := newTestEnv(t)
	recent := env.clk.Now().Add(-time.Minute)
	task := env.seedTask(t, model.StatusRunning, func(tk *model.Task) {
		tk.StartedAt = &recent
	})

	if err := env.rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := env.store.GetTask(context.Background(), task.ID)
	if got.Status != model.StatusRunning {
		t.Errorf("status = %q, want running (inside stuck timeout)", got.Status)
	}
}

func TestFailedWithIngestedResultsRepaired(t *testing.T) {
	env := newTestEnv(t)
	task := env.seedTask(t, model.StatusFailed, func(tk *model.Task) {
		tk.ItemsCount = 2
		tk.ErrorMessage = "exited with code 1"
	})
	env.seedResults(t, task.ID, 2)

	if err := env.rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := env.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusFinished {
		t.Errorf("status = %q, want finished", got.Status)
	}
	if got.ItemsCount != 2 {
		t.Errorf("items_count = %d, want 2", got.ItemsCount)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error_message = %q, want cleared", got.ErrorMessage)
	}
}

func TestFailedWithUnreadOutputFileDrained(t *testing.T) {
	env := newTestEnv(t)
	out := filepath.Join(t.TempDir(), "out.jsonl")
	content := `{"url":"https://example.com/1"}` + "\n" + `{"url":"https://example.com/2"}` + "\n"
	if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
		t.Fatalf("write output file: %v", err)
	}

	task := env.seedTask(t, model.StatusFailed, func(tk *model.Task) {
		tk.OutputFile = out
		tk.ErrorMessage = "exited with code 2"
	})

	if err := env.rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := env.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusFinished {
		t.Errorf("status = %q, want finished (drained %d rows)", got.Status, got.ItemsCount)
	}
	if got.ItemsCount != 2 {
		t.Errorf("items_count = %d, want 2", got.ItemsCount)
	}
}

func TestFailedWithNothingToShowStaysFailed(t *testing.T) {
	env := newTestEnv(t)
	task := env.seedTask(t, model.StatusFailed, func(tk *model.Task) {
		tk.ErrorMessage = "spawn: executable not found"
	})

	if err := env.rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := env.store.GetTask(context.Background(), task.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("status = %q, want failed (no results anywhere)", got.Status)
	}
}

func TestCountDriftCorrected(t *testing.T) {
	env := newTestEnv(t)
	task := env.seedTask(t, model.StatusFinished, func(tk *model.Task) {
		tk.ItemsCount = 5
	})
	env.seedResults(t, task.ID, 3)

	sub := env.bus.Subscribe(task.ID, 16)
	defer sub.Close()

	if err := env.rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := env.store.GetTask(context.Background(), task.ID)
	if got.ItemsCount != 3 {
		t.Errorf("items_count = %d, want 3", got.ItemsCount)
	}

	select {
	case ev := <-sub.C:
		if ev.Kind != model.EventTaskRepaired {
			t.Errorf("event kind = %q, want task_repaired", ev.Kind)
		}
		if ev.Attrs["repair"] != "count_drift" {
			t.Errorf("repair attr = %q", ev.Attrs["repair"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no repair event")
	}
}

func TestDuplicateSentinelKeepsOldest(t *testing.T) {
	env := newTestEnv(t)
	task := env.seedTask(t, model.StatusFinished, func(tk *model.Task) {
		tk.ItemsCount = 1
	})

	// Three rows with the same fingerprint, inserted in order.
	ctx := context.Background()
	for i := range 3 {
		r := model.Result{
			ID:          model.NewID(),
			TaskID:      task.ID,
			Payload:     []byte(`{"title":"dup"}`),
			URL:         "https://example.com/" + string(rune('a'+i)),
			Fingerprint: "fp-same",
			CreatedAt:   env.clk.Now(),
		}
		if err := env.store.InsertResults(ctx, []model.Result{r}); err != nil {
			t.Fatalf("InsertResults: %v", err)
		}
	}

	if err := env.rec.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	results, err := env.store.ListResults(ctx, task.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("result rows = %d, want 1", len(results))
	}
	if results[0].URL != "https://example.com/a" {
		t.Errorf("kept %q, want the oldest row", results[0].URL)
	}
}

func TestRunOnceIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.seedTask(t, model.StatusFailed, func(tk *model.Task) {
		tk.ItemsCount = 2
	})
	env.seedResults(t, task.ID, 2)

	ctx := context.Background()
	if err := env.rec.RunOnce(ctx); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	first, _ := env.store.GetTask(ctx, task.ID)

	// The second pass must emit nothing and change nothing.
	sub := env.bus.Subscribe(bus.Wildcard, 16)
	defer sub.Close()
	if err := env.rec.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	second, _ := env.store.GetTask(ctx, task.ID)

	if first.Status != second.Status || first.ItemsCount != second.ItemsCount {
		t.Errorf("second pass changed state: %+v vs %+v", first, second)
	}
	select {
	case ev := <-sub.C:
		t.Errorf("second pass emitted %q", ev.Kind)
	default:
	}
}

func TestWindowExcludesOldTasks(t *testing.T) {
	env := newTestEnv(t)
	old := env.clk.Now().Add(-24 * time.Hour)
	started := old.Add(time.Minute)
	task := env.seedTask(t, model.StatusRunning, func(tk *model.Task) {
		tk.CreatedAt = old
		tk.StartedAt = &started
	})

	if err := env.rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := env.store.GetTask(context.Background(), task.ID)
	if got.Status != model.StatusRunning {
		t.Errorf("status = %q; tasks outside the window must not be touched", got.Status)
	}
}
