package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	if snap.Timezone == "" {
		loc := s.loc
		if loc == nil {
			loc = time.Local
		}
		snap.Timezone = loc.String()
	}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout, Spread: d.spread}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	return snap
}
