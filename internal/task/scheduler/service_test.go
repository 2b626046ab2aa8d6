package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"pagenotify/internal/task/engine"
	logx "pagenotify/pkg/logx"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []engine.Task
}

func (r *recordingEnqueuer) Enqueue(t engine.Task) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	return nil
}

func TestAddDailyRegistersCron(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, &recordingEnqueuer{}, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	if _, err := s.AddDaily("digest", "04:00", time.Minute, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddDaily: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules = %d, want 1", len(snap.Schedules))
	}
	got := snap.Schedules[0]
	if got.Spec != "0 4 * * *" {
		t.Fatalf("spec = %q", got.Spec)
	}
	if got.Next.IsZero() || got.Next.Hour() != 4 || got.Next.Minute() != 0 {
		t.Fatalf("next = %v, want 04:00 UTC", got.Next)
	}
}

func TestUpsertByNameAndRemove(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, &recordingEnqueuer{}, logx.Nop())
	job := func(context.Context) error { return nil }

	if _, err := s.AddInterval("sweep", time.Minute, 0, job); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddInterval("sweep", 2*time.Minute, 0, job); err != nil {
		t.Fatal(err)
	}
	if n := len(s.Snapshot().Schedules); n != 1 {
		t.Fatalf("schedules = %d, want 1 after upsert", n)
	}
	if !s.Remove("sweep") {
		t.Fatal("Remove returned false")
	}
	if s.Remove("sweep") {
		t.Fatal("second Remove returned true")
	}
}

func TestAddCronRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &recordingEnqueuer{}, logx.Nop())
	if _, err := s.AddCron("x", "not a cron", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error")
	}
	if _, err := s.AddInterval("y", 0, 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestSpreadScheduleDelaysOnlyFirstFiring(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, spread := intervalWithSpread(time.Minute, now, "sweep")
	if spread < 0 || spread >= time.Minute {
		t.Fatalf("spread = %v", spread)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + spread); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	second := sched.Next(first)
	if d := second.Sub(first); d < time.Minute-time.Second || d > time.Minute+time.Second {
		t.Fatalf("second gap = %v", d)
	}
}
