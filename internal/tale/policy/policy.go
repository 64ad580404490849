// Package policy decides when a tale is due and when it should fire next.
//
// Every function here is pure: the caller passes "now" and the persisted
// last-run time, nothing is read from the clock or from storage.
package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"telly/internal/tale"
)

// DefaultMinimumLead is added to "now" when an interval's next trigger has
// already passed, so a recovering process does not fire in a tight loop.
const DefaultMinimumLead = 5 * time.Second

var ErrMalformed = errors.New("malformed schedule value")

// ConfigError reports a schedule that cannot be evaluated. The tale is
// effectively paused until it is edited.
type ConfigError struct {
	Schedule tale.Schedule
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("schedule %s %q: %v", e.Schedule.Type, e.Schedule.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type Policy struct {
	// Location is the wall clock used for DAILY_AT. Nil means time.Local.
	Location    *time.Location
	MinimumLead time.Duration
}

func New(loc *time.Location) Policy {
	return Policy{Location: loc, MinimumLead: DefaultMinimumLead}
}

func (p Policy) loc() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

func (p Policy) lead() time.Duration {
	if p.MinimumLead <= 0 {
		return DefaultMinimumLead
	}
	return p.MinimumLead
}

// IsDue reports whether a tale with the given schedule and last run should
// execute at now. Malformed schedules are never due and return a *ConfigError.
func (p Policy) IsDue(s tale.Schedule, lastRunAt *time.Time, now time.Time) (bool, error) {
	switch s.Type {
	case tale.ScheduleOnce:
		return lastRunAt == nil, nil

	case tale.ScheduleInterval:
		every, err := IntervalOf(s)
		if err != nil {
			return false, err
		}
		// A tale that never ran measures from the epoch and is due at once.
		var last time.Time
		if lastRunAt != nil {
			last = *lastRunAt
		} else {
			last = time.Unix(0, 0)
		}
		return now.Sub(last) >= every, nil

	case tale.ScheduleDailyAt:
		h, m, err := dailyTarget(s)
		if err != nil {
			return false, err
		}
		local := now.In(p.loc())
		if local.Hour() != h || local.Minute() != m {
			return false, nil
		}
		if lastRunAt == nil {
			return true, nil
		}
		return !sameDate(lastRunAt.In(p.loc()), local), nil

	default:
		return false, &ConfigError{Schedule: s, Err: fmt.Errorf("%w: unknown type", ErrMalformed)}
	}
}

// NextTrigger returns the earliest moment the tale should be evaluated again.
// ok is false when the tale has no further triggers (ONCE after its first
// attempt) or when the schedule is malformed.
func (p Policy) NextTrigger(s tale.Schedule, lastRunAt *time.Time, now time.Time) (next time.Time, ok bool, err error) {
	switch s.Type {
	case tale.ScheduleOnce:
		if lastRunAt == nil {
			return now, true, nil
		}
		return time.Time{}, false, nil

	case tale.ScheduleInterval:
		every, err := IntervalOf(s)
		if err != nil {
			return time.Time{}, false, err
		}
		if lastRunAt == nil {
			return now, true, nil
		}
		next = lastRunAt.Add(every)
		if !next.After(now) {
			next = now.Add(p.lead())
		}
		return next, true, nil

	case tale.ScheduleDailyAt:
		h, m, err := dailyTarget(s)
		if err != nil {
			return time.Time{}, false, err
		}
		next, err = p.nextDaily(h, m, now)
		if err != nil {
			return time.Time{}, false, &ConfigError{Schedule: s, Err: err}
		}
		return next, true, nil

	default:
		return time.Time{}, false, &ConfigError{Schedule: s, Err: fmt.Errorf("%w: unknown type", ErrMalformed)}
	}
}

// nextDaily finds the next HH:MM strictly after now in the policy location.
// gronx walks the cron expression; its answer is checked against the wall
// clock and the plain calendar computation is used when they disagree.
func (p Policy) nextDaily(h, m int, now time.Time) (time.Time, error) {
	expr := fmt.Sprintf("%d %d * * *", m, h)
	local := now.In(p.loc())
	next, err := gronx.NextTickAfter(expr, local, false)
	if err != nil {
		return time.Time{}, err
	}
	next = next.In(p.loc()).Truncate(time.Minute)
	if next.After(now) && next.Hour() == h && next.Minute() == m {
		return next, nil
	}
	y, mo, d := local.Date()
	next = time.Date(y, mo, d, h, m, 0, 0, p.loc())
	if !next.After(now) {
		next = time.Date(y, mo, d+1, h, m, 0, 0, p.loc())
	}
	return next, nil
}

// IntervalOf parses an INTERVAL schedule value.
func IntervalOf(s tale.Schedule) (time.Duration, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s.Value), 10, 64)
	if err != nil {
		return 0, &ConfigError{Schedule: s, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if ms <= 0 {
		return 0, &ConfigError{Schedule: s, Err: fmt.Errorf("%w: interval must be positive", ErrMalformed)}
	}
	if ms > tale.MaxIntervalMs {
		return 0, &ConfigError{Schedule: s, Err: fmt.Errorf("%w: interval exceeds %dms", ErrMalformed, tale.MaxIntervalMs)}
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func dailyTarget(s tale.Schedule) (int, int, error) {
	h, m, err := tale.ParseHHMM(s.Value)
	if err != nil {
		return 0, 0, &ConfigError{Schedule: s, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	expr := fmt.Sprintf("%d %d * * *", m, h)
	if !gronx.IsValid(expr) {
		return 0, 0, &ConfigError{Schedule: s, Err: fmt.Errorf("%w: %s", ErrMalformed, expr)}
	}
	return h, m, nil
}

// SearchWindow is how far back an external search looks for a schedule.
func SearchWindow(s tale.Schedule) time.Duration {
	switch s.Type {
	case tale.ScheduleDailyAt:
		return 24 * time.Hour
	case tale.ScheduleInterval:
		if d, err := IntervalOf(s); err == nil {
			return d
		}
	}
	return time.Hour
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
