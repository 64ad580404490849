package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// gridTolerance absorbs store timestamp truncation when comparing grids.
const gridTolerance = time.Second

// gridSchedule fires at first, first+every, first+2*every, ...
// Unlike cron.Every it is anchored to a persisted instant instead of the
// moment the entry was added, so restarts keep the same cadence.
type gridSchedule struct {
	first time.Time
	every time.Duration
}

var _ cron.Schedule = gridSchedule{}

func (g gridSchedule) Next(t time.Time) time.Time {
	if t.Before(g.first) {
		return g.first
	}
	k := t.Sub(g.first)/g.every + 1
	return g.first.Add(k * g.every)
}

// floor returns the grid point at or before t.
func (g gridSchedule) floor(t time.Time) time.Time {
	if t.Before(g.first) {
		return t
	}
	k := t.Sub(g.first) / g.every
	return g.first.Add(k * g.every)
}

// contains reports whether t lies on the grid, within gridTolerance.
func (g gridSchedule) contains(t time.Time) bool {
	d := t.Sub(g.first) % g.every
	if d < 0 {
		d += g.every
	}
	return d < gridTolerance || g.every-d < gridTolerance
}
