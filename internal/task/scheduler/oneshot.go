package scheduler

import (
	"container/heap"
	"context"
	"time"
)

type shot struct {
	id  string
	at  time.Time
	ver uint64
}

type shotHeap []shot

func (h shotHeap) Len() int           { return len(h) }
func (h shotHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h shotHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *shotHeap) Push(x any)        { *h = append(*h, x.(shot)) }
func (h *shotHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// pushShotLocked queues a one-shot and wakes the loop if it became the
// earliest entry. Call with s.mu held.
func (s *Service) pushShotLocked(id string, at time.Time, ver uint64) {
	heap.Push(&s.shots, shot{id: id, at: at, ver: ver})
	if s.shots[0].ver == ver && s.shots[0].id == id {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// popDueLocked removes every entry due at now. Entries whose version no
// longer matches the armed state are discarded. Call with s.mu held.
func (s *Service) popDueLocked(now time.Time) []shot {
	var due []shot
	for len(s.shots) > 0 && !s.shots[0].at.After(now) {
		sh := heap.Pop(&s.shots).(shot)
		st, ok := s.armed[sh.id]
		if !ok || st.ver != sh.ver || st.strategy == StrategyPeriodic {
			continue
		}
		st.fired = true
		due = append(due, sh)
	}
	return due
}

// runShots is the one-shot loop. It sleeps until the earliest entry, never
// longer than MaxSleep.
func (s *Service) runShots(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		now := s.cfg.Now()
		due := s.popDueLocked(now)
		wait := s.cfg.MaxSleep
		if len(s.shots) > 0 {
			wait = min(wait, s.shots[0].at.Sub(now))
		}
		late := s.cfg.MaxSleep
		fire := s.fire
		s.mu.Unlock()

		for _, sh := range due {
			if fire == nil {
				break
			}
			at := sh.at
			// Far behind schedule (suspend, clock jump): report the real time.
			if now.Sub(at) > late {
				at = now
			}
			fire(sh.id, at)
		}
		if len(due) > 0 {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(max(wait, time.Millisecond))

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}
