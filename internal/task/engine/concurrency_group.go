package engine

import (
	"strings"
	"sync"
)

// taskKey is the effective overlap, group and circuit key of a task.
func taskKey(concurrencyKey, name string) string {
	if k := strings.TrimSpace(concurrencyKey); k != "" {
		return k
	}
	if k := strings.TrimSpace(name); k != "" {
		return k
	}
	return "default"
}

// semaphore is a channel of pre-filled tokens. Its limit is fixed at creation;
// later callers asking for another limit on the same key get the first one.
type semaphore chan struct{}

func newSemaphore(limit int) semaphore {
	ch := make(semaphore, max(limit, 1))
	for range cap(ch) {
		ch <- struct{}{}
	}
	return ch
}

func (g semaphore) tryAcquire() bool {
	select {
	case <-g:
		return true
	default:
		return false
	}
}

func (g semaphore) release() {
	select {
	case g <- struct{}{}:
	default:
	}
}

type groupStore struct {
	mu     sync.Mutex
	groups map[string]semaphore
}

func (s *groupStore) get(key string, limit int) semaphore {
	if limit <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]semaphore)
	}
	g, ok := s.groups[key]
	if !ok {
		g = newSemaphore(limit)
		s.groups[key] = g
	}
	return g
}

// stateStore hands out RunStates per key and forgets a key once it is idle,
// so per-record keys do not accumulate.
type stateStore struct {
	mu     sync.Mutex
	states map[string]*RunState
}

func (s *stateStore) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states == nil {
		s.states = make(map[string]*RunState)
	}
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	return st.tryAcquire()
}

func (s *stateStore) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[key]
	if st == nil {
		return
	}
	if st.release() {
		delete(s.states, key)
	}
}

func (s *stateStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
