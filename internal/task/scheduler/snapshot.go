package scheduler

import (
	"sort"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Timezone:    s.cfg.Location.String(),
		Armed:       make([]ArmedInfo, 0, len(s.armed)),
		Maintenance: make([]MaintenanceInfo, 0, len(s.maint)),
	}
	for id, st := range s.armed {
		next := st.next
		if st.strategy == StrategyPeriodic && st.entry != 0 && s.c != nil {
			if e := s.c.Entry(st.entry); !e.Next.IsZero() {
				next = e.Next
			}
		}
		snap.Armed = append(snap.Armed, ArmedInfo{ID: id, Strategy: st.strategy, Schedule: st.schedule, Next: next})
	}
	sort.Slice(snap.Armed, func(i, j int) bool {
		if !snap.Armed[i].Next.Equal(snap.Armed[j].Next) {
			return snap.Armed[i].Next.Before(snap.Armed[j].Next)
		}
		return snap.Armed[i].ID < snap.Armed[j].ID
	})
	for _, d := range s.maint {
		it := MaintenanceInfo{Name: d.name, Spec: d.spec}
		if d.entry != 0 && s.c != nil {
			e := s.c.Entry(d.entry)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Maintenance = append(snap.Maintenance, it)
	}
	return snap
}
