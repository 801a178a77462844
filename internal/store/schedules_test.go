package store

import (
	"context"
	"testing"
	"time"

	"crawlplane/internal/model"
)

func seedSchedule(t *testing.T, s *Store, projectID, spiderID string) *model.Schedule {
	t.Helper()
	sc := &model.Schedule{
		ID:        model.NewID(),
		ProjectID: projectID,
		SpiderID:  spiderID,
		OwnerID:   "owner-1",
		Name:      "every-five",
		CronExpr:  "*/5 * * * *",
		Active:    true,
	}
	if err := s.CreateSchedule(context.Background(), sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return sc
}

func TestReserveScheduleFiringCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s, "p1")
	sp := seedSpider(t, s, p.ID, "s1")
	sc := seedSchedule(t, s, p.ID, sp.ID)

	fire := now()
	next := fire.Add(5 * time.Minute)

	// First reservation against the NULL last_run wins.
	won, err := s.ReserveScheduleFiring(ctx, sc.ID, nil, fire, next)
	if err != nil || !won {
		t.Fatalf("first reserve = %v, %v", won, err)
	}

	// A concurrent instance that observed the same NULL last_run loses.
	won, err = s.ReserveScheduleFiring(ctx, sc.ID, nil, fire, next)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if won {
		t.Error("lost CAS race was reported as won")
	}

	got, err := s.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.LastRun == nil || !got.LastRun.Equal(fire) {
		t.Errorf("last_run = %v, want %v", got.LastRun, fire)
	}
	if got.NextRun == nil || !got.NextRun.Equal(next) {
		t.Errorf("next_run = %v, want %v", got.NextRun, next)
	}

	// The winner of the next round must observe the current last_run.
	fire2 := next
	next2 := fire2.Add(5 * time.Minute)
	won, err = s.ReserveScheduleFiring(ctx, sc.ID, &fire, fire2, next2)
	if err != nil || !won {
		t.Fatalf("third reserve = %v, %v", won, err)
	}
}

func TestReserveRequiresActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s, "p1")
	sp := seedSpider(t, s, p.ID, "s1")
	sc := seedSchedule(t, s, p.ID, sp.ID)

	if err := s.SetScheduleActive(ctx, sc.ID, false); err != nil {
		t.Fatalf("SetScheduleActive: %v", err)
	}

	won, err := s.ReserveScheduleFiring(ctx, sc.ID, nil, now(), now().Add(time.Minute))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if won {
		t.Error("inactive schedule must not be reservable")
	}
}

func TestListActiveSchedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s, "p1")
	sp := seedSpider(t, s, p.ID, "s1")

	active := seedSchedule(t, s, p.ID, sp.ID)
	inactive := &model.Schedule{
		ID: model.NewID(), ProjectID: p.ID, SpiderID: sp.ID,
		OwnerID: "owner-1", Name: "off", CronExpr: "0 0 * * *", Active: false,
	}
	if err := s.CreateSchedule(ctx, inactive); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	got, err := s.ListActiveSchedules(ctx)
	if err != nil {
		t.Fatalf("ListActiveSchedules: %v", err)
	}
	if len(got) != 1 || got[0].ID != active.ID {
		t.Errorf("got %d schedules, want only the active one", len(got))
	}
}

func TestSetScheduleNextRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s, "p1")
	sp := seedSpider(t, s, p.ID, "s1")
	sc := seedSchedule(t, s, p.ID, sp.ID)

	next := now().Add(5 * time.Minute)
	if err := s.SetScheduleNextRun(ctx, sc.ID, next); err != nil {
		t.Fatalf("SetScheduleNextRun: %v", err)
	}
	got, _ := s.GetSchedule(ctx, sc.ID)
	if got.NextRun == nil || !got.NextRun.Equal(next) {
		t.Errorf("next_run = %v, want %v", got.NextRun, next)
	}
	if got.LastRun != nil {
		t.Errorf("last_run = %v, want untouched nil", got.LastRun)
	}
}
