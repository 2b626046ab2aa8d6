package mail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type GuardConfig struct {
	// RatePerSec caps sends; burst equals the rate. 0 means unlimited.
	RatePerSec float64
	// Timeout bounds one send. 0 means none.
	Timeout time.Duration
	// BreakerFailures consecutive systemic failures open the circuit for
	// BreakerCooldown. 0 disables the breaker.
	BreakerFailures int
	BreakerCooldown time.Duration
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	}
	return "closed"
}

// Guard wraps a Transport with a rate limit, a per-send timeout and a
// circuit breaker. Only systemic failures count toward the breaker. While
// open, sends fail fast with a systemic ErrCircuitOpen; after the cooldown
// one probe is let through.
type Guard struct {
	next Transport
	now  func() time.Time

	mu       sync.Mutex
	cfg      GuardConfig
	limiter  *rate.Limiter
	state    breakerState
	fails    int
	openedAt time.Time
	probing  bool
}

func NewGuard(next Transport, cfg GuardConfig) *Guard {
	g := &Guard{next: next, now: time.Now}
	g.Apply(cfg)
	return g
}

// Apply swaps limits in place; breaker state is kept.
func (g *Guard) Apply(cfg GuardConfig) {
	if cfg.BreakerFailures > 0 && cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	if cfg.RatePerSec <= 0 {
		g.limiter = nil
		return
	}
	burst := max(int(cfg.RatePerSec), 1)
	if g.limiter == nil {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
		return
	}
	g.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	g.limiter.SetBurst(burst)
}

// State reports the breaker state as "closed", "open" or "half-open".
func (g *Guard) State() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.String()
}

func (g *Guard) Send(ctx context.Context, m Message) error {
	lim, timeout, err := g.before()
	if err != nil {
		return err
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			g.after(nil, true)
			return Systemic(fmt.Errorf("mail rate limit: %w", err))
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err = g.next.Send(ctx, m)
	g.after(err, false)
	return err
}

func (g *Guard) before() (*rate.Limiter, time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.BreakerFailures <= 0 {
		return g.limiter, g.cfg.Timeout, nil
	}
	switch g.state {
	case stateOpen:
		if g.now().Sub(g.openedAt) < g.cfg.BreakerCooldown {
			return nil, 0, Systemic(ErrCircuitOpen)
		}
		g.state = stateHalfOpen
		g.probing = true
	case stateHalfOpen:
		if g.probing {
			return nil, 0, Systemic(ErrCircuitOpen)
		}
		g.probing = true
	}
	return g.limiter, g.cfg.Timeout, nil
}

// after records a send outcome. aborted means the send never reached the
// transport.
func (g *Guard) after(err error, aborted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.BreakerFailures <= 0 {
		return
	}
	wasProbe := g.state == stateHalfOpen && g.probing
	g.probing = false
	if aborted {
		// an aborted probe leaves the circuit half-open for the next caller
		return
	}
	if err == nil || !IsSystemic(err) {
		g.fails = 0
		g.state = stateClosed
		return
	}
	g.fails++
	if wasProbe || g.fails >= g.cfg.BreakerFailures {
		g.state = stateOpen
		g.openedAt = g.now()
	}
}
