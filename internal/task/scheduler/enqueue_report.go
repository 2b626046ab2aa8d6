package scheduler

import (
	"time"

	"pagenotify/internal/task/engine"
	logx "pagenotify/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a failed trigger. Skips are routine and go to
// debug; other errors warn at most once per throttle window per schedule.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if engine.IsSkip(err) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	throttled := !last.IsZero() && now.Sub(last) < enqueueWarnThrottle
	if !throttled {
		s.lastEnqWarn[name] = now
	}
	s.enqMu.Unlock()

	if !throttled {
		s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
	}
}
