// Package clock isolates time for the rest of the system.
//
// All components take a *Clock instead of calling time.Now directly, so
// tests can drive deterministic time through a clockwork fake. Instants are
// always UTC; the configured display zone is used only for cron evaluation
// and operator-facing wall times.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultZone is the display timezone used when none is configured.
const DefaultZone = "Asia/Tokyo"

// Clock supplies monotonic instants and wall-clock time in a fixed zone.
type Clock struct {
	cw  clockwork.Clock
	loc *time.Location
}

// New returns a real clock with the given display zone name.
func New(zone string) (*Clock, error) {
	if zone == "" {
		zone = DefaultZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, err
	}
	return &Clock{cw: clockwork.NewRealClock(), loc: loc}, nil
}

// NewFake returns a clock driven by the returned fake, for tests.
// The fake starts at a fixed instant; advance it with fake.Advance.
func NewFake(zone string) (*Clock, *clockwork.FakeClock, error) {
	if zone == "" {
		zone = DefaultZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, nil, err
	}
	fake := clockwork.NewFakeClock()
	return &Clock{cw: fake, loc: loc}, fake, nil
}

// Now returns the current instant in UTC.
func (c *Clock) Now() time.Time {
	return c.cw.Now().UTC()
}

// NowIn returns the current wall time in the configured display zone.
func (c *Clock) NowIn() time.Time {
	return c.cw.Now().In(c.loc)
}

// Location returns the configured display zone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// SleepUntil blocks until the given instant or until ctx is done.
// It returns ctx.Err() if the context was cancelled first.
func (c *Clock) SleepUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(c.cw.Now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := c.cw.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// After returns a channel that fires after d.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	return c.cw.After(d)
}

// NewTicker returns a ticker on the underlying clock.
func (c *Clock) NewTicker(d time.Duration) clockwork.Ticker {
	return c.cw.NewTicker(d)
}

// Clockwork exposes the underlying clockwork.Clock for libraries that
// accept one directly (gocron's WithClock option).
func (c *Clock) Clockwork() clockwork.Clock {
	return c.cw
}
