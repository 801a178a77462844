package clock

import (
	"context"
	"testing"
	"time"
)

func TestNowIsUTC(t *testing.T) {
	c, err := New("Asia/Tokyo")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if loc := c.Now().Location(); loc != time.UTC {
		t.Errorf("Now location = %v, want UTC", loc)
	}
	if got := c.Location().String(); got != "Asia/Tokyo" {
		t.Errorf("Location = %q, want Asia/Tokyo", got)
	}
}

func TestDefaultZone(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.Location().String(); got != DefaultZone {
		t.Errorf("Location = %q, want %q", got, DefaultZone)
	}
}

func TestInvalidZone(t *testing.T) {
	if _, err := New("Not/AZone"); err == nil {
		t.Error("expected error for unknown zone")
	}
}

func TestSleepUntilAdvancesWithFake(t *testing.T) {
	c, fake, err := NewFake("")
	if err != nil {
		t.Fatalf("NewFake: %v", err)
	}

	target := c.Now().Add(10 * time.Minute)
	done := make(chan error, 1)
	go func() {
		done <- c.SleepUntil(context.Background(), target)
	}()

	fake.BlockUntil(1)
	fake.Advance(10 * time.Minute)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("SleepUntil: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SleepUntil did not return after clock advance")
	}
}

func TestSleepUntilCancelled(t *testing.T) {
	c, _, err := NewFake("")
	if err != nil {
		t.Fatalf("NewFake: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.SleepUntil(ctx, c.Now().Add(time.Hour)); err != context.Canceled {
		t.Errorf("SleepUntil = %v, want context.Canceled", err)
	}
}

func TestSleepUntilPastInstant(t *testing.T) {
	c, _, err := NewFake("")
	if err != nil {
		t.Fatalf("NewFake: %v", err)
	}
	if err := c.SleepUntil(context.Background(), c.Now().Add(-time.Minute)); err != nil {
		t.Errorf("SleepUntil(past) = %v, want nil", err)
	}
}
