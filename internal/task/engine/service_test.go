package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"pagenotify/internal/eventbus"
	logx "pagenotify/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitIdle(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Idle(ctx); err != nil {
		t.Fatalf("engine did not go idle: %v", err)
	}
}

func TestEnqueueDisabledAndStopped(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	run := func(context.Context) error { return nil }
	if err := s.Enqueue(Task{Name: "x", Run: run}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	s = New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: run}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestOverlapSkipPerConcurrencyKey(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})

	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	task := func(key string) Task {
		return Task{
			Name:           "dispatch",
			ConcurrencyKey: key,
			Opt:            TaskOptions{Overlap: OverlapSkipIfRunning},
			Run: func(ctx context.Context) error {
				if runs.Add(1) == 1 {
					close(started)
				}
				<-release
				return nil
			},
		}
	}

	if err := s.Enqueue(task("dispatch:1")); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := s.Enqueue(task("dispatch:1")); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("duplicate key err = %v, want ErrOverlapSkip", err)
	}
	if err := s.Enqueue(task("dispatch:2")); err != nil {
		t.Fatalf("other key err = %v", err)
	}
	close(release)
	waitIdle(t, s)

	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
	if n := s.states.len(); n != 0 {
		t.Fatalf("idle run states kept: %d", n)
	}
	// The key is free again once the first run finished.
	if err := s.Enqueue(Task{Name: "dispatch", ConcurrencyKey: "dispatch:1", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("re-enqueue err = %v", err)
	}
	waitIdle(t, s)
}

func TestRetryThenNoRetry(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 3, CircuitTripFailures: -1})

	var attempts atomic.Int32
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitIdle(t, s)
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}

	var permanent atomic.Int32
	_ = s.Enqueue(Task{
		Name: "permanent",
		Opt:  TaskOptions{RetryBase: time.Millisecond},
		Run: func(context.Context) error {
			permanent.Add(1)
			return NoRetry(errors.New("bad input"))
		},
	})
	waitIdle(t, s)
	if got := permanent.Load(); got != 1 {
		t.Fatalf("NoRetry attempts = %d, want 1", got)
	}

	hist := s.Snapshot().History
	last := hist[len(hist)-1]
	if last.Name != "permanent" || last.Error != "bad input" {
		t.Fatalf("last history = %+v", last)
	}
}

func TestPanicBecomesError(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, CircuitTripFailures: -1})
	_ = s.Enqueue(Task{Name: "boom", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error { panic("boom") }})
	waitIdle(t, s)

	hist := s.Snapshot().History
	if len(hist) != 1 || hist[0].Error != "panic: boom" {
		t.Fatalf("history = %+v", hist)
	}
	// The worker survives and keeps serving.
	done := make(chan struct{})
	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error { close(done); return nil }})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, CircuitTripFailures: 2, CircuitBaseDelay: time.Hour})
	fail := Task{Name: "mail", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error { return errors.New("smtp down") }}

	for range 2 {
		if err := s.Enqueue(fail); err != nil {
			t.Fatal(err)
		}
		waitIdle(t, s)
	}
	if err := s.Enqueue(fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if !IsSkip(ErrCircuitOpen) || IsSkip(ErrQueueFull) {
		t.Fatal("IsSkip classification wrong")
	}
	snap := s.Snapshot()
	if snap.CircuitOpen != 1 || snap.Skipped != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestQueueFullDrops(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})

	block := make(chan struct{})
	running := make(chan struct{})
	var once sync.Once
	slow := func(context.Context) error {
		once.Do(func() { close(running) })
		<-block
		return nil
	}
	_ = s.Enqueue(Task{Name: "a", Run: slow})
	<-running
	_ = s.Enqueue(Task{Name: "b", Run: slow})
	if err := s.Enqueue(Task{Name: "c", Run: slow}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	close(block)
	waitIdle(t, s)
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.01}
	for retry, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 5: time.Second, 10: time.Second} {
		got := backoffDelay(opt, retry, nil)
		if got != want {
			t.Fatalf("retry %d: got %v, want %v", retry, got, want)
		}
	}
	if got := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), time.Minute), nil); got != time.Second {
		t.Fatalf("hint not capped: %v", got)
	}
}
