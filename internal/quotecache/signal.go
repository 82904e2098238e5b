package quotecache

import (
	"sync"
	"time"
)

// signal is a resettable binary latch. Waiters block on a channel that is
// closed while the signal is set and replaced when it is cleared.
type signal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) Set() {
	s.mu.Lock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
	s.mu.Unlock()
}

func (s *signal) Clear() {
	s.mu.Lock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
	s.mu.Unlock()
}

func (s *signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Wait blocks until the signal is set or the timeout elapses.
// Returns true if the signal was set in time.
func (s *signal) Wait(timeout time.Duration) bool {
	s.mu.Lock()
	if s.set {
		s.mu.Unlock()
		return true
	}
	ch := s.ch
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
