package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"runtime/debug"
	"time"

	logx "pagenotify/pkg/logx"
)

var errEngineStopped = errors.New("task engine stopped during retry wait")

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		var qt queuedTask
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt = <-queue:
		}

		var group semaphore
		if qt.opt.ConcurrencyLimit > 0 {
			group = s.groups.get(qt.key, qt.opt.ConcurrencyLimit)
			if !group.tryAcquire() {
				s.requeue(ctx, stopCh, queue, qt)
				runtime.Gosched()
				continue
			}
		}

		s.inFlight.Add(1)
		s.execOne(ctx, stopCh, qt, rng)
		s.inFlight.Add(-1)
		if group != nil {
			group.release()
		}
		s.finish(qt)
	}
}

// requeue puts back a task whose concurrency group is saturated.
func (s *Service) requeue(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, qt queuedTask) {
	select {
	case queue <- qt:
	case <-ctx.Done():
		s.finish(qt)
	case <-stopCh:
		s.finish(qt)
	default:
		s.finish(qt)
		s.onQueueFull(time.Now(), qt.task, qt.key, queue)
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	name := qt.task.Name
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStale(start, qt, queueDelay)
		s.remember(cfg, HistoryItem{ID: qt.task.ID, Name: name, Key: qt.key, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	s.log.Debug("task.started", logx.String("task", name), logx.String("key", qt.key), logx.Duration("queue_delay", queueDelay))
	s.publish("task.started", TaskEvent{ID: qt.task.ID, Name: name, Key: qt.key, Started: start, QueueDelay: queueDelay})

	var err error
	attempts := 0
	maxAttempts := 1 + qt.opt.RetryMax
	for attempts < maxAttempts {
		attempts++
		err = s.runOnce(ctx, qt)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempts >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempts, err, rng)
		s.log.Debug("task retry scheduled",
			logx.String("task", name),
			logx.String("key", qt.key),
			logx.Int("attempt", attempts+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		if werr := waitRetry(ctx, stopCh, delay); werr != nil {
			err = werr
			break
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: name, Key: qt.key, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: name, Key: qt.key, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed",
			logx.String("task", name),
			logx.String("key", qt.key),
			logx.Err(err),
			logx.Duration("dur", dur),
			logx.Int("attempts", attempts),
		)
		s.publish("task.failed", ev)
	} else {
		lvl := logx.LevelDebug
		if dur >= 750*time.Millisecond {
			lvl = logx.LevelInfo
		}
		if s.log.Enabled(lvl) {
			fields := []logx.Field{logx.String("task", name), logx.String("key", qt.key), logx.Duration("dur", dur), logx.Int("attempts", attempts)}
			if lvl == logx.LevelInfo {
				s.log.Info("task.completed", fields...)
			} else {
				s.log.Debug("task.completed", fields...)
			}
		}
		s.publish("task.finished", ev)
	}

	s.circuits.record(time.Now(), name, effectiveCircuitCfg(cfg, qt.opt), err)
	s.remember(cfg, item)
}

// runOnce runs a single attempt with the task timeout, converting panics to errors.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic",
				logx.String("task", qt.task.Name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	return qt.task.Run(ctx)
}

func waitRetry(ctx context.Context, stopCh <-chan struct{}, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return errEngineStopped
	case <-t.C:
		return nil
	}
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(ra.RetryAfter(), opt.RetryMaxDelay), opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, opt.RetryMaxDelay), opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if d <= 0 || opt.RetryJitter <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * opt.RetryJitter
	d = time.Duration(float64(d) * (1 + r))
	return min(max(d, 0), opt.RetryMaxDelay)
}
