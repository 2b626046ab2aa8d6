package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pagenotify/internal/eventbus"
	rtsup "pagenotify/internal/runtime/supervisor"
	logx "pagenotify/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a bounded worker pool with overlap gating, retries, a circuit
// breaker and a short execution history.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	states   stateStore
	groups   groupStore
	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32
	// pending counts accepted tasks that have not finished yet.
	pending atomic.Int64

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	skipped          atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

type queuedTask struct {
	task Task
	key  string

	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	tracked    bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("comp", "taskengine")),
		bus: bus,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor, or nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config. Worker or queue size changes restart the pool;
// toggling Enabled starts or stops it.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.Stop(ctx)
		s.Start(ctx)
	case !running && cfg.Enabled:
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}

	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	stopCh, queue, sup := s.stopCh, s.q, s.sup
	s.mu.Unlock()

	for i := range cfg.Workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue, i)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop signals workers and waits for them, bounded by ctx. Tasks still in
// the queue are discarded and their overlap keys released.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	sup.Cancel()

	go func() {
		_ = sup.Wait(context.Background())
		s.discard(queue)
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) discard(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			s.finish(qt)
		default:
			return
		}
	}
}

// Idle blocks until every accepted task has finished or ctx is done.
func (s *Service) Idle(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Enqueue queues a task without blocking. A full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit queues a task, blocking until accepted, ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	cfg, q, stopCh, stopping := s.cfg, s.q, s.stopCh, s.stopDone != nil
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	opt := t.Opt.withDefaults(cfg)
	key := taskKey(t.ConcurrencyKey, t.Name)
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	if open, until := s.circuits.isOpen(now, t.Name, effectiveCircuitCfg(cfg, opt)); open {
		s.skipped.Add(1)
		s.publish("task.skipped", TaskEvent{ID: t.ID, Name: t.Name, Key: key, Started: now, Error: "circuit_open"})
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.String("key", key), logx.Time("until", until))
		s.remember(cfg, HistoryItem{ID: t.ID, Name: t.Name, Key: key, Started: now, Error: "circuit_open"})
		return ErrCircuitOpen
	}

	qt := queuedTask{task: t, key: key, enqueuedAt: now, timeout: timeout, opt: opt}
	if opt.Overlap == OverlapSkipIfRunning {
		if !s.states.acquire(key) {
			s.skipped.Add(1)
			s.publish("task.skipped", TaskEvent{ID: t.ID, Name: t.Name, Key: key, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("key", key))
			return ErrOverlapSkip
		}
		qt.tracked = true
	}

	s.pending.Add(1)
	if !block {
		select {
		case q <- qt:
			return nil
		default:
			s.finish(qt)
			s.onQueueFull(now, t, key, q)
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		s.finish(qt)
		return ctx.Err()
	case <-stopCh:
		s.finish(qt)
		return ErrStopping
	}
}

// finish releases what enqueue acquired for qt.
func (s *Service) finish(qt queuedTask) {
	if qt.tracked {
		s.states.release(qt.key)
	}
	s.pending.Add(-1)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		Skipped:          s.skipped.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	snap.CircuitTotal, snap.CircuitOpen = s.circuits.snapshot(time.Now())

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) remember(cfg Config, item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := len(s.history) - cfg.HistorySize; n > 0 {
		s.history = append(s.history[:0], s.history[n:]...)
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) newTaskID(now time.Time) string {
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFull(now time.Time, t Task, key string, q chan queuedTask) {
	s.dropped.Add(1)
	n := s.droppedQueueFull.Add(1)
	s.publish("task.dropped", TaskEvent{ID: t.ID, Name: t.Name, Key: key, Started: now, Error: "queue_full"})
	if shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("key", key),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", n),
		)
	}
}

func (s *Service) onStale(now time.Time, qt queuedTask, queueDelay time.Duration) {
	s.dropped.Add(1)
	n := s.droppedStale.Add(1)
	s.publish("task.dropped", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.key, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})
	if shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", qt.task.Name),
			logx.String("key", qt.key),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", n),
		)
	}
}
