// Package cronexpr evaluates 5-field POSIX cron expressions.
//
// It wraps robfig/cron's standard parser, which supports wildcards, steps
// (*/n), ranges (a-b), lists (a,b,c), and numeric literals, and exposes
// deterministic next-tick computation in an explicit timezone. Descriptor
// shorthands (@hourly etc.) are rejected: schedule rows carry plain
// 5-field expressions only.
package cronexpr

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Expr is a parsed cron expression.
type Expr struct {
	raw   string
	sched cron.Schedule
}

// Parse validates and compiles a 5-field cron expression.
func Parse(raw string) (*Expr, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("cronexpr: empty expression")
	}
	if fields := strings.Fields(trimmed); len(fields) != 5 {
		return nil, fmt.Errorf("cronexpr: expected 5 fields, got %d in %q", len(fields), raw)
	}
	sched, err := parser.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("cronexpr: parse %q: %w", raw, err)
	}
	return &Expr{raw: trimmed, sched: sched}, nil
}

// Validate reports whether raw is a valid 5-field expression.
func Validate(raw string) error {
	_, err := Parse(raw)
	return err
}

// Next returns the first firing instant strictly after the given instant,
// evaluated in loc. The result is returned in UTC. A zero time means the
// expression never fires again (does not happen for 5-field expressions).
func (e *Expr) Next(after time.Time, loc *time.Location) time.Time {
	n := e.sched.Next(after.In(loc))
	if n.IsZero() {
		return n
	}
	return n.UTC()
}

// String returns the original expression.
func (e *Expr) String() string { return e.raw }
