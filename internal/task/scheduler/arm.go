package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"telly/internal/eventbus"
	"telly/internal/tale"
	"telly/internal/tale/policy"
	logx "telly/pkg/logx"
)

// Arm installs the trigger for one tale, replacing any previous one.
//
// A tale that is due now is fired right away. A tale with no further
// trigger is disarmed. A malformed schedule disarms the tale and returns a
// *policy.ConfigError.
func (s *Service) Arm(id string, sched tale.Schedule, lastRunAt *time.Time) error {
	s.mu.Lock()
	now := s.now()
	p := s.policy
	strategy := SelectStrategy(sched, s.cfg.PeriodicGranularity)

	due, err := p.IsDue(sched, lastRunAt, now)
	if err != nil {
		disarmed := s.disarmLocked(id)
		s.mu.Unlock()
		if disarmed {
			s.publish(eventbus.TaleDisarmed, ArmEvent{ID: id})
		}
		return err
	}
	next, ok, err := p.NextTrigger(sched, lastRunAt, now)
	if err != nil || !ok {
		disarmed := s.disarmLocked(id)
		s.mu.Unlock()
		if disarmed {
			s.publish(eventbus.TaleDisarmed, ArmEvent{ID: id})
		}
		return err
	}

	var last time.Time
	if lastRunAt != nil {
		last = *lastRunAt
	}
	if due {
		next = now
	}

	switch strategy {
	case StrategyPeriodic:
		every, _ := policy.IntervalOf(sched)
		first := now.Add(every)
		if !due && lastRunAt != nil {
			first = last.Add(every)
		}
		s.armPeriodicLocked(id, sched, last, gridSchedule{first: first, every: every})
		if !due {
			next = first
		}

	case StrategyChained:
		// Never chase an interval shorter than the chain floor.
		if lastRunAt != nil {
			if floor := last.Add(s.cfg.MinChainInterval); next.Before(floor) && floor.After(now) {
				next = floor
				due = false
			}
		}
		s.armShotLocked(id, strategy, sched, last, next, due)

	default:
		s.armShotLocked(id, strategy, sched, last, next, due)
	}
	fire := s.fire
	s.mu.Unlock()

	s.log.Debug("tale armed",
		logx.String("tale_id", id),
		logx.String("strategy", string(strategy)),
		logx.String("schedule", sched.String()),
		logx.Time("next", next),
		logx.Bool("due", due),
	)
	s.publish(eventbus.TaleArmed, ArmEvent{ID: id, Strategy: strategy, Next: next})
	if due && fire != nil {
		fire(id, now)
	}
	return nil
}

// armShotLocked replaces the tale's trigger with a one-shot at next. When
// fireNow is set the caller fires directly and no heap entry is queued.
func (s *Service) armShotLocked(id string, strategy Strategy, sched tale.Schedule, last, next time.Time, fireNow bool) {
	s.dropPeriodicLocked(id)
	s.ver++
	st := &armState{
		strategy: strategy,
		schedule: sched.String(),
		lastRun:  last,
		next:     next,
		ver:      s.ver,
		fired:    fireNow,
	}
	s.armed[id] = st
	if !fireNow {
		s.pushShotLocked(id, next, st.ver)
	}
}

// armPeriodicLocked keeps an existing cron entry when it already runs on
// the same grid, so a re-arm after every run does not reset cron.
func (s *Service) armPeriodicLocked(id string, sched tale.Schedule, last time.Time, g gridSchedule) {
	if st, ok := s.armed[id]; ok && st.strategy == StrategyPeriodic && st.grid.every == g.every && st.grid.contains(g.first) {
		st.lastRun = last
		st.schedule = sched.String()
		if st.entry == 0 && s.c != nil {
			st.entry = s.c.Schedule(st.grid, s.periodicJob(id, st.grid))
		}
		return
	}
	s.dropPeriodicLocked(id)
	s.ver++
	st := &armState{
		strategy: StrategyPeriodic,
		schedule: sched.String(),
		lastRun:  last,
		next:     g.first,
		ver:      s.ver,
		grid:     g,
	}
	if s.c != nil {
		st.entry = s.c.Schedule(g, s.periodicJob(id, g))
	}
	s.armed[id] = st
}

func (s *Service) periodicJob(id string, g gridSchedule) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		now := s.now()
		st, ok := s.armed[id]
		if !ok || st.strategy != StrategyPeriodic || st.grid != g {
			s.mu.Unlock()
			return
		}
		at := g.floor(now)
		st.next = g.Next(now)
		fire := s.fire
		s.mu.Unlock()
		if fire != nil {
			fire(id, at)
		}
	})
}

func (s *Service) dropPeriodicLocked(id string) {
	st, ok := s.armed[id]
	if !ok || st.strategy != StrategyPeriodic {
		return
	}
	if st.entry != 0 && s.c != nil {
		s.c.Remove(st.entry)
	}
	st.entry = 0
}

// Disarm removes the tale's trigger. It reports whether one existed.
func (s *Service) Disarm(id string) bool {
	s.mu.Lock()
	ok := s.disarmLocked(id)
	s.mu.Unlock()
	if ok {
		s.log.Debug("tale disarmed", logx.String("tale_id", id))
		s.publish(eventbus.TaleDisarmed, ArmEvent{ID: id})
	}
	return ok
}

// disarmLocked leaves stale heap entries in place; the version check in
// popDueLocked skips them.
func (s *Service) disarmLocked(id string) bool {
	if _, ok := s.armed[id]; !ok {
		return false
	}
	s.dropPeriodicLocked(id)
	delete(s.armed, id)
	return true
}

// Armed reports whether the tale currently holds a trigger.
func (s *Service) Armed(id string) bool {
	s.mu.Lock()
	_, ok := s.armed[id]
	s.mu.Unlock()
	return ok
}

// NeedsArm reports whether the armed trigger no longer reflects t: the tale
// is not armed, its schedule or last run changed, or its one-shot already
// fired without being re-armed for longer than MaxSleep.
func (s *Service) NeedsArm(t tale.Tale) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.armed[t.ID]
	if !ok {
		return true
	}
	if st.schedule != t.Schedule.String() {
		return true
	}
	var last time.Time
	if t.LastRunAt != nil {
		last = *t.LastRunAt
	}
	if !st.lastRun.Equal(last) {
		return true
	}
	if st.strategy != StrategyPeriodic && st.fired && s.now().Sub(st.next) > s.cfg.MaxSleep {
		return true
	}
	return false
}

// Recover arms every enabled tale from persisted data and disarms anything
// not in the list. Malformed schedules are logged and left unarmed.
func (s *Service) Recover(ctx context.Context, tales []tale.Tale) error {
	keep := make(map[string]struct{}, len(tales))
	var errs []error
	armed := 0
	for _, t := range tales {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !t.Enabled {
			s.Disarm(t.ID)
			continue
		}
		keep[t.ID] = struct{}{}
		if err := s.Arm(t.ID, t.Schedule, t.LastRunAt); err != nil {
			s.reportArmError(t.ID, err)
			errs = append(errs, err)
			continue
		}
		armed++
	}

	s.mu.Lock()
	var stale []string
	for id := range s.armed {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.Disarm(id)
	}

	s.log.Info("timers recovered", logx.Int("armed", armed), logx.Int("disarmed", len(stale)), logx.Int("errors", len(errs)))
	return errors.Join(errs...)
}

const armWarnThrottle = 5 * time.Minute

// reportArmError logs a bad schedule at most once per armWarnThrottle per
// tale, since the reconcile sweep retries it every pass.
func (s *Service) reportArmError(id string, err error) {
	s.warnMu.Lock()
	st, ok := s.warnEvery[id]
	if !ok {
		st = &rate.Sometimes{Interval: armWarnThrottle}
		s.warnEvery[id] = st
	}
	s.warnMu.Unlock()
	st.Do(func() { s.log.Warn("tale not armed", logx.String("tale_id", id), logx.Err(err)) })
}

// forgetWarnings drops throttle state for tales that no longer exist.
func (s *Service) forgetWarnings(keep map[string]struct{}) {
	s.warnMu.Lock()
	for id := range s.warnEvery {
		if _, ok := keep[id]; !ok {
			delete(s.warnEvery, id)
		}
	}
	s.warnMu.Unlock()
}

// Reconcile brings the armed set in line with tales, the full persisted
// list. Unlike Recover it leaves triggers that already match alone, so it
// is cheap to run periodically to pick up edits made by other processes.
func (s *Service) Reconcile(ctx context.Context, tales []tale.Tale) (armed, disarmed int, err error) {
	keep := make(map[string]struct{}, len(tales))
	var errs []error
	for _, t := range tales {
		if err := ctx.Err(); err != nil {
			return armed, disarmed, err
		}
		keep[t.ID] = struct{}{}
		if !t.Enabled {
			if s.Disarm(t.ID) {
				disarmed++
			}
			continue
		}
		if !s.NeedsArm(t) {
			continue
		}
		if err := s.Arm(t.ID, t.Schedule, t.LastRunAt); err != nil {
			s.reportArmError(t.ID, err)
			errs = append(errs, err)
			continue
		}
		armed++
	}

	s.mu.Lock()
	var stale []string
	for id := range s.armed {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		if s.Disarm(id) {
			disarmed++
		}
	}
	s.forgetWarnings(keep)
	return armed, disarmed, errors.Join(errs...)
}

// Retry moves an armed one-shot or chained trigger to at, keeping its
// schedule. It is a no-op for periodic tales, whose next grid point already
// retries, and for tales that are not armed.
func (s *Service) Retry(id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.armed[id]
	if !ok || st.strategy == StrategyPeriodic {
		return false
	}
	s.ver++
	st.ver = s.ver
	st.next = at
	st.fired = false
	s.pushShotLocked(id, at, st.ver)
	return true
}
