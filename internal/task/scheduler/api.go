package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pagenotify/internal/task/engine"
	logx "pagenotify/pkg/logx"
)

type Job = func(ctx context.Context) error

// AddSchedule parses schedule (see ParseSchedule) and registers a cron or
// interval trigger. Scheduled tasks skip a firing while the previous one is
// still queued or running.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) (string, error) {
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	if ps.Kind == SpecInterval {
		return s.AddIntervalOpt(name, ps.Every, timeout, opt, job)
	}
	return s.AddCronOpt(name, ps.Cron, timeout, opt, job)
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	return s.AddCronOpt(name, spec, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("schedule %s: %w", name, err)
	}
	return s.upsert(scheduleDef{name: name, spec: spec, timeout: timeout, job: job, opt: opt})
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, job Job) (string, error) {
	return s.AddIntervalOpt(name, every, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddIntervalOpt(name string, every, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("schedule %s: interval must be > 0", name)
	}
	return s.upsert(scheduleDef{name: name, spec: "@every " + every.String(), timeout: timeout, job: job, opt: opt})
}

// AddDaily fires once a day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job Job) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

// upsert replaces any schedule with the same name so hot reloads never
// register duplicates. The name is returned as the stable handle.
func (s *Service) upsert(d scheduleDef) (string, error) {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return "", errors.New("name required")
	}
	if d.job == nil {
		return "", errors.New("job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(d.name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		return d.name, nil
	}

	def := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(def); err != nil {
		return d.name, err
	}
	fields := []logx.Field{logx.String("name", d.name), logx.String("spec", d.spec), logx.Duration("timeout", d.timeout)}
	if next := s.previewNextRunsLocked(def, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return d.name, nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			continue
		}
		s.defs[n] = d
		n++
	}
	removed := n < len(s.defs)
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, run, opt := d.name, d.timeout, d.job, d.opt
	job := cron.FuncJob(func() {
		err := s.engine.Enqueue(engine.Task{
			Name:    name,
			Timeout: timeout,
			Run:     run,
			Opt:     opt,
		})
		s.reportEnqueueError(name, err)
	})

	if every, ok := intervalOf(d.spec); ok {
		sched, spread := intervalWithSpread(every, time.Now().In(s.loc), d.name)
		d.spread = spread
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	d.spread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func intervalOf(spec string) (time.Duration, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(spec), "@every")
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(strings.TrimSpace(rest))
	return d, err == nil && d > 0
}

// previewNextRunsLocked lists upcoming firings for debug logs.
func (s *Service) previewNextRunsLocked(d *scheduleDef, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || d.entryID == 0 {
		return ""
	}
	sched := s.c.Entry(d.entryID).Schedule
	if sched == nil {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for range n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}

func parseHHMM(s string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
