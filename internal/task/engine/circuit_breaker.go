package engine

import (
	"sync"
	"time"
)

// breaker is a consecutive-failure circuit breaker for one task name.
// Once fails reaches the trip threshold the circuit opens for an
// exponentially growing cooldown; any success closes it.
type breaker struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitCfg struct {
	enabled    bool
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func effectiveCircuitCfg(cfg Config, opt TaskOptions) circuitCfg {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return circuitCfg{}
	}
	trip := cfg.CircuitTripFailures
	if opt.CircuitTripFailures > 0 {
		trip = opt.CircuitTripFailures
	}
	return circuitCfg{
		enabled:    true,
		trip:       trip,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
}

// cooldown returns the open duration after the given number of failures.
func (c circuitCfg) cooldown(fails int) time.Duration {
	d := c.baseDelay
	for i := c.trip; i < fails && d < c.maxDelay; i++ {
		d *= 2
	}
	return min(d, c.maxDelay)
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*breaker
}

// lookup returns the breaker for name after applying the idle reset. Caller holds mu.
func (s *circuitStore) lookup(now time.Time, name string, cc circuitCfg) *breaker {
	if s.m == nil {
		s.m = make(map[string]*breaker)
	}
	b := s.m[name]
	if b == nil {
		b = &breaker{}
		s.m[name] = b
	}
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > cc.resetAfter {
		*b = breaker{}
	}
	return b
}

func (s *circuitStore) isOpen(now time.Time, name string, cc circuitCfg) (bool, time.Time) {
	if !cc.enabled {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.lookup(now, name, cc)
	if now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (s *circuitStore) record(now time.Time, name string, cc circuitCfg, err error) {
	if !cc.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.lookup(now, name, cc)
	if err == nil {
		*b = breaker{}
		return
	}
	b.fails++
	b.lastFailure = now
	if b.fails >= cc.trip {
		b.openUntil = now.Add(cc.cooldown(b.fails))
	}
}

func (s *circuitStore) snapshot(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.m {
		total++
		if now.Before(b.openUntil) {
			open++
		}
	}
	return total, open
}
