package cronexpr

import (
	"testing"
	"time"
)

func tokyo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	return loc
}

func TestParseValid(t *testing.T) {
	for _, expr := range []string{
		"* * * * *",
		"*/10 * * * *",
		"0 0 * * *",
		"30 4 1,15 * 5",
		"0-29/5 * * * *",
		"15 2-6 * * 1-5",
	} {
		if _, err := Parse(expr); err != nil {
			t.Errorf("Parse(%q): %v", expr, err)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",          // 4 fields
		"* * * * * *",      // 6 fields
		"61 * * * *",       // minute out of range
		"* 25 * * *",       // hour out of range
		"@hourly",          // descriptors not allowed
		"bogus * * * *",    // garbage
		"*/0 * * * *",      // zero step
	} {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q): expected error", expr)
		}
	}
}

func TestNextEveryTenMinutes(t *testing.T) {
	// Boundary case from the scheduling contract: */10 after 12:00:00
	// fires at 12:10:00 in the configured zone.
	loc := tokyo(t)
	e, err := Parse("*/10 * * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	last := time.Date(2026, 8, 26, 12, 0, 0, 0, loc)
	got := e.Next(last, loc)
	want := time.Date(2026, 8, 26, 12, 10, 0, 0, loc).UTC()
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
	if got.Location() != time.UTC {
		t.Errorf("Next location = %v, want UTC", got.Location())
	}
}

func TestNextIsStrictlyAfter(t *testing.T) {
	loc := tokyo(t)
	e, err := Parse("0 * * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// Exactly on a firing instant: next must be the following hour.
	at := time.Date(2026, 8, 26, 9, 0, 0, 0, loc)
	got := e.Next(at, loc)
	want := time.Date(2026, 8, 26, 10, 0, 0, 0, loc).UTC()
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextRespectsZone(t *testing.T) {
	// Daily at midnight differs by zone.
	e, err := Parse("0 0 * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	after := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)

	inUTC := e.Next(after, time.UTC)
	inTokyo := e.Next(after, tokyo(t))

	if inUTC.Equal(inTokyo) {
		t.Error("midnight next-tick should differ between UTC and Asia/Tokyo")
	}
	// Tokyo midnight on the 27th is 15:00 UTC on the 26th.
	wantTokyo := time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)
	if !inTokyo.Equal(wantTokyo) {
		t.Errorf("Tokyo next = %v, want %v", inTokyo, wantTokyo)
	}
}

func TestNextSequenceStrictlyIncreasing(t *testing.T) {
	loc := tokyo(t)
	e, err := Parse("*/5 * * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cur := time.Date(2026, 8, 26, 11, 58, 30, 0, loc).UTC()
	for range 10 {
		next := e.Next(cur, loc)
		if !next.After(cur) {
			t.Fatalf("next %v not after %v", next, cur)
		}
		if s := next.Sub(cur); s > 5*time.Minute {
			t.Fatalf("gap %v exceeds 5m", s)
		}
		cur = next
	}
}
